// Package market maintains rolling 24-hour trade statistics per
// trading pair, feeding the ticker broadcasts.
package market

import (
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/huandu/skiplist"

	"github.com/openalpha/spot-dex/types"
)

const window = 24 * time.Hour

// tradeKey orders window entries by execution time, trade id breaking
// ties so concurrent same-millisecond trades keep distinct keys.
type tradeKey struct {
	At int64 // millisecond unix
	ID int64
}

// timeKeyAsc is a comparator for ascending execution-time order.
type timeKeyAsc struct{}

func (k timeKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(tradeKey)
	r := rhs.(tradeKey)
	if l.At != r.At {
		if l.At < r.At {
			return -1
		}
		return 1
	}
	if l.ID != r.ID {
		if l.ID < r.ID {
			return -1
		}
		return 1
	}
	return 0
}

func (k timeKeyAsc) CalcScore(key interface{}) float64 {
	return float64(key.(tradeKey).At)
}

// point is one trade's contribution to the window.
type point struct {
	price math.LegacyDec
	qty   math.LegacyDec
}

// Stats accumulates the rolling 24h window for one symbol.
type Stats struct {
	symbol string

	mu     sync.Mutex
	trades *skiplist.SkipList // tradeKey -> point, ascending by time

	lastPrice math.LegacyDec
	lastQty   math.LegacyDec
}

// NewStats creates an empty statistics window for symbol.
func NewStats(symbol string) *Stats {
	return &Stats{
		symbol:    symbol,
		trades:    skiplist.New(timeKeyAsc{}),
		lastPrice: math.LegacyZeroDec(),
		lastQty:   math.LegacyZeroDec(),
	}
}

// Record adds an executed trade to the window.
func (s *Stats) Record(trade *types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades.Set(tradeKey{At: trade.ExecutedAt, ID: trade.ID}, point{
		price: trade.Price,
		qty:   trade.Quantity,
	})
	s.lastPrice = trade.Price
	s.lastQty = trade.Quantity
	s.pruneLocked(time.UnixMilli(trade.ExecutedAt))
}

// pruneLocked drops entries older than the window.
func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-window).UnixMilli()
	for {
		front := s.trades.Front()
		if front == nil {
			break
		}
		if front.Key().(tradeKey).At >= cutoff {
			break
		}
		s.trades.RemoveFront()
	}
}

// LastPrice returns the most recent trade price, zero before any trade.
func (s *Stats) LastPrice() math.LegacyDec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice
}

// Ticker computes the ticker payload over the current window. midPrice
// may be zero when one book side is empty; it is then omitted.
func (s *Stats) Ticker(midPrice math.LegacyDec) *types.TickerView {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneLocked(now)

	high := math.LegacyZeroDec()
	low := math.LegacyZeroDec()
	volume := math.LegacyZeroDec()
	open := math.LegacyZeroDec()

	first := true
	for elem := s.trades.Front(); elem != nil; elem = elem.Next() {
		p := elem.Value.(point)
		if first {
			open = p.price
			high = p.price
			low = p.price
			first = false
		} else {
			if p.price.GT(high) {
				high = p.price
			}
			if p.price.LT(low) {
				low = p.price
			}
		}
		volume = volume.Add(p.qty)
	}

	change := math.LegacyZeroDec()
	if !open.IsZero() {
		change = s.lastPrice.Sub(open)
	}

	tick := &types.TickerView{
		Symbol:    s.symbol,
		LastPrice: s.lastPrice.String(),
		LastQty:   s.lastQty.String(),
		High24h:   high.String(),
		Low24h:    low.String(),
		Volume24h: volume.String(),
		Change24h: change.String(),
		Timestamp: now.UnixMilli(),
	}
	if midPrice.IsPositive() {
		tick.MidPrice = midPrice.String()
	}
	return tick
}
