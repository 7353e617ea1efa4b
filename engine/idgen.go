package engine

import "sync/atomic"

// IDAllocator hands out strictly increasing order and trade ids for
// the process lifetime. Recovery seeds it above the durable maxima so
// restarts never reuse an id. Gaps are allowed, monotonicity is not
// negotiable.
type IDAllocator struct {
	order atomic.Int64
	trade atomic.Int64
}

// NewIDAllocator creates an allocator starting at 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// NextOrderID returns the next order id.
func (a *IDAllocator) NextOrderID() int64 {
	return a.order.Add(1)
}

// NextTradeID returns the next trade id.
func (a *IDAllocator) NextTradeID() int64 {
	return a.trade.Add(1)
}

// SeedOrders raises the order counter to at least max.
func (a *IDAllocator) SeedOrders(max int64) {
	for {
		cur := a.order.Load()
		if cur >= max {
			return
		}
		if a.order.CompareAndSwap(cur, max) {
			return
		}
	}
}

// SeedTrades raises the trade counter to at least max.
func (a *IDAllocator) SeedTrades(max int64) {
	for {
		cur := a.trade.Load()
		if cur >= max {
			return
		}
		if a.trade.CompareAndSwap(cur, max) {
			return
		}
	}
}
