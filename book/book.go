// Package book implements the per-pair order book: two price-sorted
// ladders of open limit orders backed by B-trees, bids descending and
// asks ascending, with FIFO time priority inside each price level.
package book

import (
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/google/btree"

	"github.com/openalpha/spot-dex/types"
)

const btreeDegree = 32 // affects node size and cache efficiency

// priceLevelItem wraps a price level for use in btree
type priceLevelItem struct {
	price math.LegacyDec
	level *PriceLevel
}

// Less implements btree.Item - ascending order by price
func (a *priceLevelItem) Less(b btree.Item) bool {
	return a.price.LT(b.(*priceLevelItem).price)
}

// ladder is one side of the order book (bids or asks).
type ladder struct {
	tree *btree.BTree
	desc bool // true for bids (iterate descending), false for asks
}

func newLadder(desc bool) *ladder {
	return &ladder{tree: btree.New(btreeDegree), desc: desc}
}

// Get returns the price level at the given price, or nil.
func (s *ladder) Get(price math.LegacyDec) *PriceLevel {
	item := s.tree.Get(&priceLevelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

// GetOrCreate returns the existing price level or creates a new one.
func (s *ladder) GetOrCreate(price math.LegacyDec) *PriceLevel {
	level := s.Get(price)
	if level == nil {
		level = NewPriceLevel(price)
		s.tree.ReplaceOrInsert(&priceLevelItem{price: price, level: level})
	}
	return level
}

// Remove removes a price level.
func (s *ladder) Remove(price math.LegacyDec) {
	s.tree.Delete(&priceLevelItem{price: price})
}

// Best returns the best price level: highest for bids, lowest for asks.
func (s *ladder) Best() *PriceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

// Len returns the number of price levels.
func (s *ladder) Len() int {
	return s.tree.Len()
}

// Iterate walks price levels in match-priority order: descending for
// bids (highest first), ascending for asks (lowest first).
func (s *ladder) Iterate(fn func(*PriceLevel) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*priceLevelItem).level)
		})
	} else {
		s.tree.Ascend(func(item btree.Item) bool {
			return fn(item.(*priceLevelItem).level)
		})
	}
}

// Book is the order book for one trading pair. The matching engine is
// the single writer; the internal lock only protects concurrent
// snapshot reads against in-flight mutation.
type Book struct {
	symbol string
	bids   *ladder
	asks   *ladder
	mu     sync.RWMutex
}

// New creates an empty order book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   newLadder(true),  // descending for bids
		asks:   newLadder(false), // ascending for asks
	}
}

// Symbol returns the trading pair symbol.
func (b *Book) Symbol() string {
	return b.symbol
}

func (b *Book) side(s types.Side) *ladder {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert places an open limit order on its side of the book - O(log L).
func (b *Book) Insert(order *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	level := b.side(order.Side).GetOrCreate(order.Price)
	level.AddOrder(order)
}

// Remove takes an order off the book - O(log L). Returns the removed
// order or nil if it was not resting.
func (b *Book) Remove(orderID int64, side types.Side, price math.LegacyDec) *types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	ladder := b.side(side)
	level := ladder.Get(price)
	if level == nil {
		return nil
	}
	removed := level.RemoveOrder(orderID)
	if level.IsEmpty() {
		ladder.Remove(price)
	}
	return removed
}

// Reduce decrements the aggregate quantity at a maker's level after a
// fill and drops the maker (and an emptied level) when fully consumed.
func (b *Book) Reduce(maker *types.Order, qty math.LegacyDec) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ladder := b.side(maker.Side)
	level := ladder.Get(maker.Price)
	if level == nil {
		return
	}
	level.Reduce(qty)
	if !maker.RemainingQty().IsPositive() {
		level.RemoveOrder(maker.ID)
	}
	if level.IsEmpty() {
		ladder.Remove(maker.Price)
	}
}

// BestOpposite returns the best level on the side opposing takerSide.
func (b *Book) BestOpposite(takerSide types.Side) *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.side(takerSide.Opposite()).Best()
}

// BestBid returns the highest bid level, or nil.
func (b *Book) BestBid() *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Best()
}

// BestAsk returns the lowest ask level, or nil.
func (b *Book) BestAsk() *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Best()
}

// MidPrice returns (best bid + best ask) / 2, or zero when either side
// is empty.
func (b *Book) MidPrice() math.LegacyDec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, ask := b.bids.Best(), b.asks.Best()
	if bid == nil || ask == nil {
		return math.LegacyZeroDec()
	}
	return bid.Price.Add(ask.Price).QuoInt64(2)
}

// Lock acquires the write lock for the duration of a match walk. The
// caller must pair it with Unlock.
func (b *Book) Lock() {
	b.mu.Lock()
}

// Unlock releases the write lock.
func (b *Book) Unlock() {
	b.mu.Unlock()
}

// CrossableLevelsUnsafe returns the opposing levels a taker can match,
// in match-priority order, stopping at the first level the crossable
// predicate rejects. The btree must not be mutated while iterating, so
// the walk snapshots level pointers first; the caller may then mutate
// the returned levels through the Unsafe methods. The caller must hold
// Lock.
func (b *Book) CrossableLevelsUnsafe(takerSide types.Side, crossable func(price math.LegacyDec) bool) []*PriceLevel {
	levels := make([]*PriceLevel, 0, 8)
	b.side(takerSide.Opposite()).Iterate(func(level *PriceLevel) bool {
		if !crossable(level.Price) {
			return false
		}
		levels = append(levels, level)
		return true
	})
	return levels
}

// InsertUnsafe is Insert for callers already holding Lock.
func (b *Book) InsertUnsafe(order *types.Order) {
	level := b.side(order.Side).GetOrCreate(order.Price)
	level.AddOrder(order)
}

// ReduceUnsafe is Reduce for callers already holding Lock.
func (b *Book) ReduceUnsafe(maker *types.Order, qty math.LegacyDec) {
	ladder := b.side(maker.Side)
	level := ladder.Get(maker.Price)
	if level == nil {
		return
	}
	level.Reduce(qty)
	if !maker.RemainingQty().IsPositive() {
		level.RemoveOrder(maker.ID)
	}
	if level.IsEmpty() {
		ladder.Remove(maker.Price)
	}
}

// LevelQty returns the current aggregate quantity at a price, zero when
// the level is gone. Used for delta broadcasts.
func (b *Book) LevelQty(side types.Side, price math.LegacyDec) math.LegacyDec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	level := b.side(side).Get(price)
	if level == nil {
		return math.LegacyZeroDec()
	}
	return level.Quantity
}

// Depth returns the number of distinct price levels per side.
func (b *Book) Depth() (bidLevels, askLevels int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}

// DepthSnapshot returns the top-n aggregated levels per side.
func (b *Book) DepthSnapshot(n int) *types.DepthView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &types.DepthView{
		Symbol:    b.symbol,
		Bids:      make([]types.DepthLevel, 0, n),
		Asks:      make([]types.DepthLevel, 0, n),
		Timestamp: time.Now().UnixMilli(),
	}

	count := 0
	b.bids.Iterate(func(level *PriceLevel) bool {
		if count >= n {
			return false
		}
		snap.Bids = append(snap.Bids, types.DepthLevel{
			Price:    level.Price.String(),
			Quantity: level.Quantity.String(),
		})
		count++
		return true
	})

	count = 0
	b.asks.Iterate(func(level *PriceLevel) bool {
		if count >= n {
			return false
		}
		snap.Asks = append(snap.Asks, types.DepthLevel{
			Price:    level.Price.String(),
			Quantity: level.Quantity.String(),
		})
		count++
		return true
	})

	return snap
}
