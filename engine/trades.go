package engine

import (
	"sync"

	"github.com/openalpha/spot-dex/types"
)

// TradeLog is the in-memory execution history: append-only, indexed by
// order and by user. Trades are immutable once recorded.
type TradeLog struct {
	mu      sync.RWMutex
	trades  map[int64]*types.Trade
	byOrder map[int64][]int64
	byUser  map[int64][]int64
	onWrite func(trade *types.Trade)
}

// NewTradeLog creates an empty trade log. onWrite is invoked for every
// appended trade, feeding the write queue; nil is allowed.
func NewTradeLog(onWrite func(trade *types.Trade)) *TradeLog {
	return &TradeLog{
		trades:  make(map[int64]*types.Trade),
		byOrder: make(map[int64][]int64),
		byUser:  make(map[int64][]int64),
		onWrite: onWrite,
	}
}

// Append records an executed trade.
func (l *TradeLog) Append(trade *types.Trade) {
	l.mu.Lock()
	l.indexLocked(trade)
	l.mu.Unlock()

	if l.onWrite != nil {
		l.onWrite(trade)
	}
}

func (l *TradeLog) indexLocked(trade *types.Trade) {
	l.trades[trade.ID] = trade
	l.byOrder[trade.BuyOrderID] = append(l.byOrder[trade.BuyOrderID], trade.ID)
	l.byOrder[trade.SellOrderID] = append(l.byOrder[trade.SellOrderID], trade.ID)
	l.byUser[trade.BuyUserID] = append(l.byUser[trade.BuyUserID], trade.ID)
	if trade.SellUserID != trade.BuyUserID {
		l.byUser[trade.SellUserID] = append(l.byUser[trade.SellUserID], trade.ID)
	}
}

// Load installs a recovered trade without triggering the write hook.
// Only the recovery path may call this, before traffic is accepted.
func (l *TradeLog) Load(trade *types.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.indexLocked(trade)
}

// GetOrderTrades returns the trades an order participated in, oldest
// first.
func (l *TradeLog) GetOrderTrades(orderID int64) []*types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byOrder[orderID]
	out := make([]*types.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.trades[id])
	}
	return out
}

// ListUserTrades returns the trades a user participated in, newest
// first, optionally narrowed to one symbol. limit <= 0 means no limit.
func (l *TradeLog) ListUserTrades(userID int64, symbol string, limit int) []*types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byUser[userID]
	out := make([]*types.Trade, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		t := l.trades[ids[i]]
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of recorded trades.
func (l *TradeLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}
