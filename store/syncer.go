package store

import (
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/openalpha/spot-dex/metrics"
	"github.com/openalpha/spot-dex/types"
)

// OrderSource lets the syncer re-read the latest order state at flush
// time. The engine's order store implements it; Snapshot must return a
// copy taken under the store's lock, because the matching goroutine
// keeps mutating the live record while a flush is in progress.
type OrderSource interface {
	Snapshot(orderID int64) *types.Order
}

// Syncer drains the write queue into SQLite on a fixed interval. Each
// flush is one transaction; a failed flush requeues the batch and
// retries next tick, giving at-least-once durability. Writes already
// applied by a retried batch are idempotent (upserts, INSERT OR
// IGNORE).
type Syncer struct {
	db     *DB
	queue  *WriteQueue
	orders OrderSource
	logger log.Logger
	mets   *metrics.Collector

	interval  time.Duration
	batchSize int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a stopped syncer; Start launches the flush loop.
func NewSyncer(db *DB, queue *WriteQueue, orders OrderSource, interval time.Duration, batchSize int, logger log.Logger) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Syncer{
		db:        db,
		queue:     queue,
		orders:    orders,
		logger:    logger.With("module", "syncer"),
		mets:      metrics.GetCollector(),
		interval:  interval,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Syncer) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("flush failed, batch requeued", "err", err)
			}
		case <-s.done:
			if err := s.Flush(); err != nil {
				s.logger.Error("final flush failed", "err", err)
			}
			return
		}
	}
}

// Flush drains one batch and writes it in a single transaction. The
// batch returns to the queue on failure.
func (s *Syncer) Flush() error {
	batch := s.queue.Drain(s.batchSize)
	if batch.Empty() {
		return nil
	}

	if err := s.writeBatch(batch); err != nil {
		s.queue.Requeue(batch)
		s.mets.FlushErrors.WithLabelValues("batch").Inc()
		return err
	}

	size := len(batch.OrderIDs) + len(batch.Trades) + len(batch.Assets)
	s.mets.FlushBatchSize.WithLabelValues("batch").Observe(float64(size))
	s.logger.Debug("flushed batch",
		"orders", len(batch.OrderIDs), "trades", len(batch.Trades), "assets", len(batch.Assets))
	return nil
}

func (s *Syncer) writeBatch(batch *Batch) error {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "begin flush tx")
	}

	for _, id := range batch.OrderIDs {
		// Re-read at flush time: the row carries the latest state, so
		// intermediate mutations between flushes cost nothing.
		order := s.orders.Snapshot(id)
		if order == nil {
			continue
		}
		if _, err := tx.Exec(upsertOrderSQL,
			order.ID, order.UserID, order.PairID, order.Symbol,
			order.Side.String(), order.OrderType.String(),
			order.Price.String(), order.Quantity.String(),
			order.FilledQty.String(), order.QuoteVolume.String(),
			order.AvgFillPrice.String(), order.Status.String(),
			order.ClientOrderID,
			order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli(),
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "upsert order %d", order.ID)
		}
	}

	for _, trade := range batch.Trades {
		if _, err := tx.Exec(insertTradeSQL,
			trade.ID, trade.PairID, trade.Symbol,
			trade.BuyOrderID, trade.SellOrderID,
			trade.BuyUserID, trade.SellUserID,
			trade.TakerSide.String(),
			trade.Price.String(), trade.Quantity.String(),
			trade.Fee.String(), trade.FeeAsset,
			trade.ExecutedAt,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert trade %d", trade.ID)
		}
	}

	for _, asset := range batch.Assets {
		if _, err := tx.Exec(upsertAssetSQL,
			asset.UserID, asset.Symbol,
			asset.Available.String(), asset.Frozen.String(),
			asset.UpdatedAt.UnixMilli(),
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "upsert asset %d/%s", asset.UserID, asset.Symbol)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit flush tx")
	}
	return nil
}

// SavePair persists a trading pair immediately; pair registration is
// rare enough to skip the queue.
func (s *Syncer) SavePair(pair *types.TradingPair) error {
	active := 0
	if pair.IsActive {
		active = 1
	}
	_, err := s.db.sql.Exec(upsertPairSQL,
		pair.ID, pair.Symbol, pair.BaseAsset, pair.QuoteAsset,
		pair.MinQty.String(), pair.MaxQty.String(),
		pair.PricePrecision, pair.QtyPrecision, active,
	)
	return errors.Wrap(err, "upsert trading pair")
}

// Stop flushes whatever remains and stops the loop. Called during
// graceful shutdown; anything enqueued after Stop is lost.
func (s *Syncer) Stop() {
	close(s.done)
	s.wg.Wait()
}
