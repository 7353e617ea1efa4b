package engine

import (
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

var testPair = &types.TradingPair{
	ID:             1,
	Symbol:         "BTCUSDT",
	BaseAsset:      "BTC",
	QuoteAsset:     "USDT",
	MinQty:         math.LegacyMustNewDecFromStr("0.0001"),
	MaxQty:         math.LegacyMustNewDecFromStr("1000"),
	PricePrecision: 2,
	QtyPrecision:   4,
	IsActive:       true,
}

func activeLimit(id, userID int64, side types.Side, price, qty string) *types.Order {
	o := types.NewOrder(userID, testPair, side, types.OrderTypeLimit, dec(price), dec(qty), "")
	o.ID = id
	o.Status = types.OrderStatusActive
	return o
}

func TestCreateRejectsTerminalStatus(t *testing.T) {
	s := NewOrderStore(nil)
	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	o.Status = types.OrderStatusFilled

	if err := s.Create(o); !types.ErrInvalidStateTransition.Is(err) {
		t.Errorf("expected InvalidStateTransition, got %v", err)
	}
}

func TestApplyFillProgression(t *testing.T) {
	s := NewOrderStore(nil)
	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	if err := s.Create(o); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.ApplyFill(1, dec("0.4"), dec("49000")); err != nil {
		t.Fatalf("first fill failed: %v", err)
	}
	if o.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("expected PartiallyFilled, got %s", o.Status)
	}
	if !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("expected filled 0.4, got %s", o.FilledQty)
	}
	if !o.AvgFillPrice.Equal(dec("49000")) {
		t.Errorf("expected avg 49000, got %s", o.AvgFillPrice)
	}

	if err := s.ApplyFill(1, dec("0.6"), dec("50000")); err != nil {
		t.Fatalf("second fill failed: %v", err)
	}
	if o.Status != types.OrderStatusFilled {
		t.Errorf("expected Filled, got %s", o.Status)
	}
	// Weighted mean: 0.4*49000 + 0.6*50000 = 49600.
	if !o.AvgFillPrice.Equal(dec("49600")) {
		t.Errorf("expected avg 49600, got %s", o.AvgFillPrice)
	}
}

func TestApplyFillOverfillIsInconsistent(t *testing.T) {
	s := NewOrderStore(nil)
	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	if err := s.Create(o); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.ApplyFill(1, dec("1.5"), dec("50000")); !types.ErrInconsistentState.Is(err) {
		t.Errorf("expected InconsistentState, got %v", err)
	}
	if !o.FilledQty.IsZero() {
		t.Errorf("failed fill must not mutate order, filled %s", o.FilledQty)
	}
}

func TestTransitionTerminalIsMonotonic(t *testing.T) {
	s := NewOrderStore(nil)
	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	if err := s.Create(o); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Transition(1, types.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel transition failed: %v", err)
	}

	if err := s.Transition(1, types.OrderStatusFilled); !types.ErrInvalidStateTransition.Is(err) {
		t.Errorf("expected InvalidStateTransition out of terminal, got %v", err)
	}
	if err := s.ApplyFill(1, dec("0.1"), dec("50000")); err == nil {
		t.Error("expected fill on cancelled order to fail")
	}
}

func TestListByUserFilters(t *testing.T) {
	s := NewOrderStore(nil)
	for i := int64(1); i <= 3; i++ {
		if err := s.Create(activeLimit(i, 1, types.SideBuy, "50000", "1")); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}
	if err := s.Create(activeLimit(4, 2, types.SideSell, "51000", "1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Transition(2, types.OrderStatusCancelled); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	all := s.ListByUser(1, ListFilter{})
	if len(all) != 3 {
		t.Errorf("expected 3 orders for user 1, got %d", len(all))
	}
	// Newest first.
	if all[0].ID != 3 {
		t.Errorf("expected order 3 first, got %d", all[0].ID)
	}

	open := s.ListByUser(1, ListFilter{OpenOnly: true})
	if len(open) != 2 {
		t.Errorf("expected 2 open orders, got %d", len(open))
	}

	limited := s.ListByUser(1, ListFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != 3 {
		t.Errorf("limit filter wrong: %+v", limited)
	}
}

func TestListActiveSortsForReplay(t *testing.T) {
	s := NewOrderStore(nil)
	a := activeLimit(2, 1, types.SideBuy, "50000", "1")
	b := activeLimit(3, 2, types.SideSell, "51000", "1")
	c := activeLimit(1, 3, types.SideSell, "52000", "1")
	b.CreatedAt = a.CreatedAt // same instant, id breaks the tie
	c.CreatedAt = a.CreatedAt.Add(time.Second)
	for _, o := range []*types.Order{a, b, c} {
		if err := s.Create(o); err != nil {
			t.Fatalf("create %d failed: %v", o.ID, err)
		}
	}

	active := s.ListActive("")
	if len(active) != 3 {
		t.Fatalf("expected 3 active, got %d", len(active))
	}
	want := []int64{2, 3, 1}
	for i, o := range active {
		if o.ID != want[i] {
			t.Errorf("position %d: expected order %d, got %d", i, want[i], o.ID)
		}
	}
}

func TestSnapshotDetachedFromLiveOrder(t *testing.T) {
	s := NewOrderStore(nil)
	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	if err := s.Create(o); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snap := s.Snapshot(1)
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap == o {
		t.Fatal("snapshot aliases the live record")
	}

	// A fill landing after the snapshot must not bleed into it: the
	// flush path serializes snapshots while matching keeps mutating
	// the live order.
	if err := s.ApplyFill(1, dec("0.4"), dec("50000")); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if !snap.FilledQty.IsZero() || snap.Status != types.OrderStatusActive {
		t.Errorf("snapshot mutated: filled %s status %s", snap.FilledQty, snap.Status)
	}
	if next := s.Snapshot(1); !next.FilledQty.Equal(dec("0.4")) {
		t.Errorf("fresh snapshot stale: filled %s", next.FilledQty)
	}

	if s.Snapshot(99) != nil {
		t.Error("expected nil snapshot for unknown order")
	}
}

func TestWriteHookFiresOnMutations(t *testing.T) {
	var calls []int64
	s := NewOrderStore(func(orderID int64) { calls = append(calls, orderID) })

	o := activeLimit(1, 1, types.SideBuy, "50000", "1")
	if err := s.Create(o); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.ApplyFill(1, dec("1"), dec("50000")); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	if len(calls) != 2 {
		t.Errorf("expected 2 hook calls, got %d", len(calls))
	}
}
