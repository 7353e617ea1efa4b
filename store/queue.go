package store

import (
	"sync"

	"github.com/openalpha/spot-dex/metrics"
	"github.com/openalpha/spot-dex/types"
)

// assetKey identifies one coalesced balance snapshot.
type assetKey struct {
	UserID int64
	Symbol string
}

// defaultTradeBacklog bounds the trades stream when no capacity is
// configured.
const defaultTradeBacklog = 100000

// WriteQueue buffers the dirty state the syncer persists. Three
// streams with different shapes:
//
//   - orders: dirty ids, coalesced; the syncer re-reads the latest
//     order state at flush time, so N mutations cost one row write.
//   - trades: append-only records, never coalesced.
//   - assets: balance snapshots coalesced by (user, symbol); only the
//     newest snapshot matters.
//
// The orders and assets streams coalesce by key, so their depth is
// bounded by live orders and touched balances and producers never
// block. The trades stream grows per execution and is capped: a
// producer blocks until a flush drains room, backpressure that stalls
// at most the producing symbol. Memory is the authoritative store, so
// depth is a lag indicator, not a correctness concern.
type WriteQueue struct {
	mu       sync.Mutex
	capacity int

	orderSeen map[int64]struct{}
	orderFIFO []int64

	trades    []*types.Trade
	tradeRoom *sync.Cond

	assetSeen map[assetKey]types.Asset
	assetFIFO []assetKey

	mets *metrics.Collector
}

// NewWriteQueue creates an empty write queue. capacity bounds the
// trades stream; zero or negative uses the default.
func NewWriteQueue(capacity int) *WriteQueue {
	if capacity <= 0 {
		capacity = defaultTradeBacklog
	}
	q := &WriteQueue{
		capacity:  capacity,
		orderSeen: make(map[int64]struct{}),
		assetSeen: make(map[assetKey]types.Asset),
		mets:      metrics.GetCollector(),
	}
	q.tradeRoom = sync.NewCond(&q.mu)
	return q
}

// OrderDirty marks an order for persistence. Duplicate marks between
// flushes coalesce.
func (q *WriteQueue) OrderDirty(orderID int64) {
	q.mu.Lock()
	if _, dup := q.orderSeen[orderID]; !dup {
		q.orderSeen[orderID] = struct{}{}
		q.orderFIFO = append(q.orderFIFO, orderID)
	}
	depth := len(q.orderFIFO)
	q.mu.Unlock()
	q.mets.QueueDepth.WithLabelValues("orders").Set(float64(depth))
}

// TradeCreated buffers an executed trade, blocking while the stream is
// at capacity.
func (q *WriteQueue) TradeCreated(trade *types.Trade) {
	q.mu.Lock()
	for len(q.trades) >= q.capacity {
		q.tradeRoom.Wait()
	}
	q.trades = append(q.trades, trade)
	depth := len(q.trades)
	q.mu.Unlock()
	q.mets.QueueDepth.WithLabelValues("trades").Set(float64(depth))
}

// AssetChanged buffers a balance snapshot, replacing any pending
// snapshot for the same (user, symbol).
func (q *WriteQueue) AssetChanged(asset types.Asset) {
	key := assetKey{UserID: asset.UserID, Symbol: asset.Symbol}
	q.mu.Lock()
	if _, dup := q.assetSeen[key]; !dup {
		q.assetFIFO = append(q.assetFIFO, key)
	}
	q.assetSeen[key] = asset
	depth := len(q.assetFIFO)
	q.mu.Unlock()
	q.mets.QueueDepth.WithLabelValues("assets").Set(float64(depth))
}

// Batch is one flush worth of drained work.
type Batch struct {
	OrderIDs []int64
	Trades   []*types.Trade
	Assets   []types.Asset
}

// Empty reports whether the batch holds no work.
func (b *Batch) Empty() bool {
	return len(b.OrderIDs) == 0 && len(b.Trades) == 0 && len(b.Assets) == 0
}

// Drain removes up to limit entries per stream, oldest first.
func (q *WriteQueue) Drain(limit int) *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := &Batch{}

	n := min(limit, len(q.orderFIFO))
	batch.OrderIDs = append(batch.OrderIDs, q.orderFIFO[:n]...)
	q.orderFIFO = q.orderFIFO[n:]
	for _, id := range batch.OrderIDs {
		delete(q.orderSeen, id)
	}

	n = min(limit, len(q.trades))
	batch.Trades = append(batch.Trades, q.trades[:n]...)
	q.trades = q.trades[n:]
	if n > 0 {
		q.tradeRoom.Broadcast()
	}

	n = min(limit, len(q.assetFIFO))
	for _, key := range q.assetFIFO[:n] {
		batch.Assets = append(batch.Assets, q.assetSeen[key])
		delete(q.assetSeen, key)
	}
	q.assetFIFO = q.assetFIFO[n:]

	q.mets.QueueDepth.WithLabelValues("orders").Set(float64(len(q.orderFIFO)))
	q.mets.QueueDepth.WithLabelValues("trades").Set(float64(len(q.trades)))
	q.mets.QueueDepth.WithLabelValues("assets").Set(float64(len(q.assetFIFO)))
	return batch
}

// Requeue puts a failed batch back at the front so the next flush
// retries it. Asset snapshots re-coalesce: a newer pending snapshot
// wins over the requeued one. Requeued trades were already accepted,
// so they may push the stream past capacity until the retry lands.
func (q *WriteQueue) Requeue(batch *Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]int64, 0, len(batch.OrderIDs))
	for _, id := range batch.OrderIDs {
		if _, dup := q.orderSeen[id]; !dup {
			q.orderSeen[id] = struct{}{}
			front = append(front, id)
		}
	}
	q.orderFIFO = append(front, q.orderFIFO...)

	q.trades = append(append([]*types.Trade{}, batch.Trades...), q.trades...)

	keys := make([]assetKey, 0, len(batch.Assets))
	for _, asset := range batch.Assets {
		key := assetKey{UserID: asset.UserID, Symbol: asset.Symbol}
		if _, pending := q.assetSeen[key]; pending {
			continue
		}
		q.assetSeen[key] = asset
		keys = append(keys, key)
	}
	q.assetFIFO = append(keys, q.assetFIFO...)
}

// Depths returns current per-stream depths.
func (q *WriteQueue) Depths() (orders, trades, assets int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orderFIFO), len(q.trades), len(q.assetFIFO)
}
