package store

import (
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func asset(userID int64, symbol, available string) types.Asset {
	return types.Asset{
		UserID:    userID,
		Symbol:    symbol,
		Available: dec(available),
		Frozen:    math.LegacyZeroDec(),
		UpdatedAt: time.Now(),
	}
}

func TestOrderDirtyCoalesces(t *testing.T) {
	q := NewWriteQueue(0)
	q.OrderDirty(1)
	q.OrderDirty(2)
	q.OrderDirty(1)
	q.OrderDirty(1)

	batch := q.Drain(10)
	if len(batch.OrderIDs) != 2 {
		t.Fatalf("expected 2 coalesced ids, got %d", len(batch.OrderIDs))
	}
	if batch.OrderIDs[0] != 1 || batch.OrderIDs[1] != 2 {
		t.Errorf("expected FIFO order [1 2], got %v", batch.OrderIDs)
	}

	// Drained ids can be marked dirty again.
	q.OrderDirty(1)
	if batch := q.Drain(10); len(batch.OrderIDs) != 1 {
		t.Errorf("re-dirty after drain lost the id: %v", batch.OrderIDs)
	}
}

func TestTradesNeverCoalesce(t *testing.T) {
	q := NewWriteQueue(0)
	q.TradeCreated(&types.Trade{ID: 1})
	q.TradeCreated(&types.Trade{ID: 1})
	q.TradeCreated(&types.Trade{ID: 2})

	batch := q.Drain(10)
	if len(batch.Trades) != 3 {
		t.Errorf("expected 3 trades, got %d", len(batch.Trades))
	}
}

func TestAssetSnapshotLatestWins(t *testing.T) {
	q := NewWriteQueue(0)
	q.AssetChanged(asset(1, "USDT", "1000"))
	q.AssetChanged(asset(1, "USDT", "700"))
	q.AssetChanged(asset(2, "BTC", "1"))
	q.AssetChanged(asset(1, "USDT", "400"))

	batch := q.Drain(10)
	if len(batch.Assets) != 2 {
		t.Fatalf("expected 2 coalesced snapshots, got %d", len(batch.Assets))
	}
	if !batch.Assets[0].Available.Equal(dec("400")) {
		t.Errorf("expected latest snapshot 400, got %s", batch.Assets[0].Available)
	}
	if batch.Assets[1].UserID != 2 || batch.Assets[1].Symbol != "BTC" {
		t.Errorf("unexpected second snapshot: %+v", batch.Assets[1])
	}
}

func TestDrainHonorsLimitPerStream(t *testing.T) {
	q := NewWriteQueue(0)
	for i := int64(1); i <= 5; i++ {
		q.OrderDirty(i)
		q.TradeCreated(&types.Trade{ID: i})
	}

	batch := q.Drain(3)
	if len(batch.OrderIDs) != 3 || len(batch.Trades) != 3 {
		t.Fatalf("expected 3+3, got %d+%d", len(batch.OrderIDs), len(batch.Trades))
	}
	if batch.OrderIDs[0] != 1 {
		t.Errorf("expected oldest first, got %v", batch.OrderIDs)
	}

	orders, trades, _ := q.Depths()
	if orders != 2 || trades != 2 {
		t.Errorf("expected 2+2 remaining, got %d+%d", orders, trades)
	}
}

func TestRequeuePutsBatchAtFront(t *testing.T) {
	q := NewWriteQueue(0)
	q.OrderDirty(1)
	q.OrderDirty(2)
	batch := q.Drain(10)

	// New work arrives while the failed batch is in flight.
	q.OrderDirty(3)
	q.TradeCreated(&types.Trade{ID: 9})

	q.Requeue(batch)

	next := q.Drain(10)
	want := []int64{1, 2, 3}
	if len(next.OrderIDs) != 3 {
		t.Fatalf("expected 3 ids after requeue, got %v", next.OrderIDs)
	}
	for i, id := range next.OrderIDs {
		if id != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], id)
		}
	}
	if len(next.Trades) != 1 {
		t.Errorf("trade lost across requeue: %d", len(next.Trades))
	}
}

func TestRequeueAssetNewerPendingWins(t *testing.T) {
	q := NewWriteQueue(0)
	q.AssetChanged(asset(1, "USDT", "1000"))
	batch := q.Drain(10)

	// A newer snapshot arrives before the failed batch returns.
	q.AssetChanged(asset(1, "USDT", "250"))
	q.Requeue(batch)

	next := q.Drain(10)
	if len(next.Assets) != 1 {
		t.Fatalf("expected 1 coalesced snapshot, got %d", len(next.Assets))
	}
	if !next.Assets[0].Available.Equal(dec("250")) {
		t.Errorf("stale requeued snapshot won: %s", next.Assets[0].Available)
	}
}

func TestTradeProducerBlocksAtCapacity(t *testing.T) {
	q := NewWriteQueue(2)
	q.TradeCreated(&types.Trade{ID: 1})
	q.TradeCreated(&types.Trade{ID: 2})

	done := make(chan struct{})
	go func() {
		q.TradeCreated(&types.Trade{ID: 3})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("producer did not block on a full trades stream")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining makes room and releases the producer.
	if batch := q.Drain(1); len(batch.Trades) != 1 || batch.Trades[0].ID != 1 {
		t.Fatalf("unexpected drained batch: %+v", batch.Trades)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after drain")
	}

	if _, trades, _ := q.Depths(); trades != 2 {
		t.Errorf("expected 2 buffered trades, got %d", trades)
	}
}

func TestEmptyBatch(t *testing.T) {
	q := NewWriteQueue(0)
	if batch := q.Drain(10); !batch.Empty() {
		t.Errorf("expected empty batch, got %+v", batch)
	}
}
