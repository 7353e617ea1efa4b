package engine

import (
	"sort"
	"sync"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/types"
)

// OrderStore tracks every order's lifecycle: status transitions, filled
// quantity, and average fill price. The matching engine of a symbol is
// the only mutator of that symbol's orders; the store enforces the
// state machine regardless.
type OrderStore struct {
	mu      sync.RWMutex
	orders  map[int64]*types.Order
	byUser  map[int64][]int64 // insertion order preserved
	onWrite func(orderID int64)
}

// NewOrderStore creates an empty order store. onWrite is invoked after
// every mutation with the order id, feeding the write queue; nil is
// allowed.
func NewOrderStore(onWrite func(orderID int64)) *OrderStore {
	return &OrderStore{
		orders:  make(map[int64]*types.Order),
		byUser:  make(map[int64][]int64),
		onWrite: onWrite,
	}
}

func (s *OrderStore) notify(orderID int64) {
	if s.onWrite != nil {
		s.onWrite(orderID)
	}
}

// Create registers a new order. The order must already carry its id and
// initial status (Active for limit, Pending for market).
func (s *OrderStore) Create(order *types.Order) error {
	if order.Status != types.OrderStatusActive && order.Status != types.OrderStatusPending {
		return errors.Wrapf(types.ErrInvalidStateTransition,
			"order %d created in status %s", order.ID, order.Status)
	}

	s.mu.Lock()
	if _, exists := s.orders[order.ID]; exists {
		s.mu.Unlock()
		return errors.Wrapf(types.ErrInconsistentState, "duplicate order id %d", order.ID)
	}
	s.orders[order.ID] = order
	s.byUser[order.UserID] = append(s.byUser[order.UserID], order.ID)
	s.mu.Unlock()

	s.notify(order.ID)
	return nil
}

// legalTransition encodes the order state machine.
func legalTransition(from, to types.OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case types.OrderStatusPending, types.OrderStatusActive, types.OrderStatusPartiallyFilled:
		switch to {
		case types.OrderStatusPartiallyFilled, types.OrderStatusFilled, types.OrderStatusCancelled:
			return true
		}
	}
	return false
}

// ApplyFill applies a fill to the order: filled quantity grows
// monotonically, the average fill price is the quantity-weighted mean,
// and the status advances to PartiallyFilled or Filled.
func (s *OrderStore) ApplyFill(orderID int64, qty, price math.LegacyDec) error {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	if err := applyFillLocked(order, qty, price); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(orderID)
	return nil
}

// applyFillLocked mutates the order in place. Callers hold the store
// lock or the symbol serialisation point.
func applyFillLocked(order *types.Order, qty, price math.LegacyDec) error {
	if !qty.IsPositive() {
		return errors.Wrapf(types.ErrInvalidQuantity, "fill qty %s", qty)
	}
	if qty.GT(order.RemainingQty()) {
		return errors.Wrapf(types.ErrInconsistentState,
			"fill %s exceeds remaining %s on order %d", qty, order.RemainingQty(), order.ID)
	}
	next := types.OrderStatusPartiallyFilled
	if qty.Equal(order.RemainingQty()) {
		next = types.OrderStatusFilled
	}
	if !legalTransition(order.Status, next) {
		return errors.Wrapf(types.ErrInvalidStateTransition,
			"order %d: %s -> %s", order.ID, order.Status, next)
	}

	order.FilledQty = order.FilledQty.Add(qty)
	order.QuoteVolume = order.QuoteVolume.Add(qty.Mul(price))
	order.AvgFillPrice = order.QuoteVolume.Quo(order.FilledQty)
	order.Status = next
	order.UpdatedAt = nowFn()
	return nil
}

// Transition moves the order to a new status, rejecting anything the
// state machine does not allow.
func (s *OrderStore) Transition(orderID int64, to types.OrderStatus) error {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	if !legalTransition(order.Status, to) {
		s.mu.Unlock()
		return errors.Wrapf(types.ErrInvalidStateTransition,
			"order %d: %s -> %s", orderID, order.Status, to)
	}
	order.Status = to
	order.UpdatedAt = nowFn()
	s.mu.Unlock()

	s.notify(orderID)
	return nil
}

// Get returns the live order record, or nil. Callers outside the
// owning engine must Clone before leaking it.
func (s *OrderStore) Get(orderID int64) *types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[orderID]
}

// Snapshot returns a clone of the order taken under the store lock, or
// nil. The flush path reads orders off the matching goroutine and must
// not observe a fill mid-mutation.
func (s *OrderStore) Snapshot(orderID int64) *types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	return order.Clone()
}

// ListFilter narrows ListByUser results.
type ListFilter struct {
	Symbol   string
	Statuses []types.OrderStatus
	OpenOnly bool
	Limit    int
}

func (f ListFilter) match(o *types.Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.OpenOnly && !o.IsOpen() {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if o.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListByUser returns clones of the user's orders, newest first.
func (s *OrderStore) ListByUser(userID int64, filter ListFilter) []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]*types.Order, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		o := s.orders[ids[i]]
		if o == nil || !filter.match(o) {
			continue
		}
		out = append(out, o.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// ListActive returns clones of all non-terminal orders, optionally for
// one symbol, ordered by creation time then id for deterministic
// recovery replay.
func (s *OrderStore) ListActive(symbol string) []*types.Order {
	s.mu.RLock()
	out := make([]*types.Order, 0)
	for _, o := range s.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Load installs a recovered order, bypassing the creation-status check.
// Only the recovery path may call this, before traffic is accepted.
func (s *OrderStore) Load(order *types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.byUser[order.UserID] = append(s.byUser[order.UserID], order.ID)
}
