package book

import (
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/types"
)

// PriceLevel holds the open orders resting at one price, in FIFO order,
// together with the aggregate remaining quantity.
type PriceLevel struct {
	Price    math.LegacyDec
	Quantity math.LegacyDec
	Orders   []*types.Order
}

// NewPriceLevel creates an empty price level.
func NewPriceLevel(price math.LegacyDec) *PriceLevel {
	return &PriceLevel{
		Price:    price,
		Quantity: math.LegacyZeroDec(),
		Orders:   make([]*types.Order, 0),
	}
}

// AddOrder appends an order to the level (time priority is insertion order).
func (pl *PriceLevel) AddOrder(order *types.Order) {
	pl.Orders = append(pl.Orders, order)
	pl.Quantity = pl.Quantity.Add(order.RemainingQty())
}

// RemoveOrder removes the order with the given id, returning it or nil.
func (pl *PriceLevel) RemoveOrder(orderID int64) *types.Order {
	for i, o := range pl.Orders {
		if o.ID == orderID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			pl.Quantity = pl.Quantity.Sub(o.RemainingQty())
			return o
		}
	}
	return nil
}

// Reduce subtracts qty from the aggregate after a fill consumed part of
// an order at this level.
func (pl *PriceLevel) Reduce(qty math.LegacyDec) {
	pl.Quantity = pl.Quantity.Sub(qty)
}

// FirstOrder returns the oldest order at this level, or nil.
func (pl *PriceLevel) FirstOrder() *types.Order {
	if len(pl.Orders) == 0 {
		return nil
	}
	return pl.Orders[0]
}

// IsEmpty reports whether the level has no orders.
func (pl *PriceLevel) IsEmpty() bool {
	return len(pl.Orders) == 0
}
