// Package engine implements the matching core: per-symbol serialized
// order intake, price-time priority matching, collateral management and
// trade settlement against the ledger.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/book"
	"github.com/openalpha/spot-dex/ledger"
	"github.com/openalpha/spot-dex/market"
	"github.com/openalpha/spot-dex/metrics"
	"github.com/openalpha/spot-dex/types"
)

// Publisher receives the events a matching pass emits. Calls arrive
// while the symbol's serialisation point is still held, so per-topic
// ordering follows match order; implementations must not block. The
// events package implements it; tests substitute a recorder.
type Publisher interface {
	OrderUpdated(order *types.Order)
	TradeExecuted(trade *types.Trade, buyer, seller *types.Order)
	DepthChanged(symbol string, levels []types.BookDeltaLevel)
	TickerUpdated(symbol string, tick *types.TickerView)
	EngineHalted(symbol, reason string)
}

// Config carries the matching parameters shared by all symbols.
type Config struct {
	// FeeRate is applied to the quote notional of every trade and
	// deducted from the seller's quote proceeds.
	FeeRate math.LegacyDec
	// MarketBuyMargin pads the worst-case collateral walk for market
	// buys: freeze cost * (1 + margin) to absorb book movement between
	// the walk and the fills.
	MarketBuyMargin math.LegacyDec
	// MarketMakerUserID is exempt from self-trade prevention; 0 means
	// no exemption.
	MarketMakerUserID int64
}

// Engine is the matching engine for one trading pair. All order intake
// for the pair funnels through sem, making matching single-writer; the
// book, order store and trade log are mutated only while sem is held.
type Engine struct {
	pair   *types.TradingPair
	book   *book.Book
	ledger *ledger.Ledger
	orders *OrderStore
	trades *TradeLog
	ids    *IDAllocator
	stats  *market.Stats
	pub    Publisher
	cfg    Config
	logger log.Logger
	mets   *metrics.Collector

	// sem is the symbol serialisation point: capacity 1, acquired with
	// ctx so queued submitters can abandon the wait.
	sem chan struct{}

	// halted latches when an invariant breach is detected. A halted
	// engine rejects all intake until operator restart.
	halted atomic.Bool

	// active counts orders resting on the book.
	active atomic.Int64
}

// NewEngine creates the matching engine for pair. All collaborators are
// shared across symbols except the book and stats.
func NewEngine(
	pair *types.TradingPair,
	bk *book.Book,
	led *ledger.Ledger,
	orders *OrderStore,
	trades *TradeLog,
	ids *IDAllocator,
	stats *market.Stats,
	pub Publisher,
	cfg Config,
	logger log.Logger,
) *Engine {
	return &Engine{
		pair:   pair,
		book:   bk,
		ledger: led,
		orders: orders,
		trades: trades,
		ids:    ids,
		stats:  stats,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("module", "engine", "symbol", pair.Symbol),
		mets:   metrics.GetCollector(),
		sem:    make(chan struct{}, 1),
	}
}

// Pair returns the trading pair this engine serves.
func (e *Engine) Pair() *types.TradingPair {
	return e.pair
}

// Book returns the engine's order book.
func (e *Engine) Book() *book.Book {
	return e.book
}

// Stats returns the engine's rolling market statistics.
func (e *Engine) Stats() *market.Stats {
	return e.stats
}

// Halted reports whether the engine latched an invariant breach.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// acquire takes the symbol serialisation point, or gives up when ctx is
// done first.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(types.ErrCancelled, "waiting for %s engine", e.pair.Symbol)
	}
}

func (e *Engine) release() {
	<-e.sem
}

// halt latches the engine after an invariant breach. There is no
// self-heal: matching for this symbol stops until an operator restarts
// the process, which replays state from the durable store.
func (e *Engine) halt(err error) {
	if e.halted.CompareAndSwap(false, true) {
		e.logger.Error("engine halted", "err", err)
		e.pub.EngineHalted(e.pair.Symbol, err.Error())
	}
}

// fill is one maker execution collected during a match walk, published
// after the walk completes.
type fill struct {
	trade *types.Trade
	maker *types.Order
}

// pricePoint identifies one book level touched by a match pass.
type pricePoint struct {
	side  types.Side
	price math.LegacyDec
}

// Submit runs the full lifecycle of a validated order: freeze
// collateral, match against the book, settle fills, place or cancel the
// remainder, and publish the outcome. The order must carry no id; the
// engine assigns one. On a rejection error no state is stored.
func (e *Engine) Submit(ctx context.Context, order *types.Order) error {
	if e.halted.Load() {
		return errors.Wrapf(types.ErrEngineHalted, "%s", e.pair.Symbol)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.halted.Load() {
		return errors.Wrapf(types.ErrEngineHalted, "%s", e.pair.Symbol)
	}

	start := time.Now()

	// Collateral first: a failed freeze rejects the order before any
	// state exists.
	if err := e.freezeCollateral(order); err != nil {
		return err
	}

	order.ID = e.ids.NextOrderID()
	if order.OrderType == types.OrderTypeMarket {
		order.Status = types.OrderStatusPending
	} else {
		order.Status = types.OrderStatusActive
	}
	if err := e.orders.Create(order); err != nil {
		// Unreachable with a correctly seeded allocator; give the
		// collateral back and surface the breach.
		if order.FrozenRemaining.IsPositive() {
			_ = e.ledger.Unfreeze(order.UserID, order.FrozenAsset, order.FrozenRemaining)
		}
		return err
	}

	fills, touched, err := e.match(order)
	if err != nil {
		e.halt(err)
		return errors.Wrapf(types.ErrEngineHalted, "%s: %v", e.pair.Symbol, err)
	}

	e.finishTaker(order)
	e.publishPass(order, fills, touched)

	e.mets.MatchingLatency.WithLabelValues(e.pair.Symbol).Observe(time.Since(start).Seconds())
	e.mets.OrdersTotal.WithLabelValues(
		e.pair.Symbol, order.Side.String(), order.OrderType.String(), order.Status.String(),
	).Inc()
	return nil
}

// freezeCollateral locks the funds backing the order and records the
// hold on the order itself.
func (e *Engine) freezeCollateral(order *types.Order) error {
	switch {
	case order.Side == types.SideSell:
		// Base collateral, limit and market alike.
		order.FrozenAsset = e.pair.BaseAsset
		order.FrozenRemaining = order.Quantity
	case order.OrderType == types.OrderTypeLimit:
		// Quote collateral at the limit price.
		order.FrozenAsset = e.pair.QuoteAsset
		order.FrozenRemaining = order.Price.Mul(order.Quantity)
	default:
		// Market buy: walk the asks for the worst-case cost of the
		// requested quantity, then pad by the configured margin. An
		// empty book freezes nothing; the order will cancel unfilled.
		cost := e.worstCaseBuyCost(order)
		if cost.IsZero() {
			order.FrozenAsset = e.pair.QuoteAsset
			order.FrozenRemaining = math.LegacyZeroDec()
			return nil
		}
		order.FrozenAsset = e.pair.QuoteAsset
		order.FrozenRemaining = cost.Mul(math.LegacyOneDec().Add(e.cfg.MarketBuyMargin))
	}

	if !order.FrozenRemaining.IsPositive() {
		return nil
	}
	if err := e.ledger.Freeze(order.UserID, order.FrozenAsset, order.FrozenRemaining); err != nil {
		order.FrozenRemaining = math.LegacyZeroDec()
		return err
	}
	return nil
}

// worstCaseBuyCost walks the ask ladder accumulating the cost of buying
// the order's quantity at current resting prices. Covers only what the
// book holds, and only makers the match walk would actually hit: the
// taker's own orders are skipped, matching self-trade prevention.
func (e *Engine) worstCaseBuyCost(taker *types.Order) math.LegacyDec {
	e.book.Lock()
	defer e.book.Unlock()

	cost := math.LegacyZeroDec()
	remaining := taker.Quantity
	levels := e.book.CrossableLevelsUnsafe(types.SideBuy, func(math.LegacyDec) bool { return true })
	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		for _, maker := range level.Orders {
			if !remaining.IsPositive() {
				break
			}
			if maker.UserID == taker.UserID && maker.UserID != e.cfg.MarketMakerUserID {
				continue
			}
			take := math.LegacyMinDec(remaining, maker.RemainingQty())
			cost = cost.Add(take.Mul(level.Price))
			remaining = remaining.Sub(take)
		}
	}
	return cost
}

// match walks the opposing side of the book in price-time priority and
// settles each fill. Returns the executions and the touched price
// points. A non-nil error is an invariant breach; the caller halts.
func (e *Engine) match(taker *types.Order) ([]fill, []pricePoint, error) {
	e.book.Lock()
	defer e.book.Unlock()

	crossable := func(price math.LegacyDec) bool {
		if taker.OrderType == types.OrderTypeMarket {
			return true
		}
		if taker.Side == types.SideBuy {
			return price.LTE(taker.Price)
		}
		return price.GTE(taker.Price)
	}

	fills := make([]fill, 0)
	touched := make([]pricePoint, 0)
	makerSide := taker.Side.Opposite()

	levels := e.book.CrossableLevelsUnsafe(taker.Side, crossable)
	for _, level := range levels {
		if !taker.RemainingQty().IsPositive() {
			break
		}
		// The level's order slice shrinks as makers fill out; walk a
		// snapshot so removal does not skip entries.
		makers := make([]*types.Order, len(level.Orders))
		copy(makers, level.Orders)

		levelTouched := false
		for _, maker := range makers {
			if !taker.RemainingQty().IsPositive() {
				break
			}
			if maker.UserID == taker.UserID && maker.UserID != e.cfg.MarketMakerUserID {
				// Self-trade prevention: leave the resting order alone
				// and keep walking.
				continue
			}

			qty := math.LegacyMinDec(taker.RemainingQty(), maker.RemainingQty())
			price := level.Price

			trade, err := e.executeFill(taker, maker, qty, price)
			if err != nil {
				return fills, touched, err
			}

			e.book.ReduceUnsafe(maker, qty)
			fills = append(fills, fill{trade: trade, maker: maker})
			levelTouched = true
		}
		if levelTouched {
			touched = append(touched, pricePoint{side: makerSide, price: level.Price})
		}
	}

	// A limit remainder rests on the book; record its level for the
	// depth delta too. The store holds the same pointer, so book and
	// store always agree.
	if taker.OrderType == types.OrderTypeLimit && taker.RemainingQty().IsPositive() {
		e.book.InsertUnsafe(taker)
		e.active.Add(1)
		touched = append(touched, pricePoint{side: taker.Side, price: taker.Price})
	}

	return fills, touched, nil
}

// executeFill settles one fill: ledger movement, order state on both
// sides, collateral accounting, and the trade record.
func (e *Engine) executeFill(taker, maker *types.Order, qty, price math.LegacyDec) (*types.Trade, error) {
	buyer, seller := taker, maker
	if taker.Side == types.SideSell {
		buyer, seller = maker, taker
	}

	notional := qty.Mul(price)
	fee := notional.Mul(e.cfg.FeeRate)

	// Debit both collateral legs before crediting anything: a breach
	// surfaces before funds are created.
	if err := e.ledger.DebitFromFrozen(buyer.UserID, e.pair.QuoteAsset, notional); err != nil {
		return nil, err
	}
	if err := e.ledger.DebitFromFrozen(seller.UserID, e.pair.BaseAsset, qty); err != nil {
		return nil, err
	}
	if err := e.ledger.Credit(buyer.UserID, e.pair.BaseAsset, qty); err != nil {
		return nil, err
	}
	if err := e.ledger.Credit(seller.UserID, e.pair.QuoteAsset, notional.Sub(fee)); err != nil {
		return nil, err
	}

	buyer.FrozenRemaining = buyer.FrozenRemaining.Sub(notional)
	seller.FrozenRemaining = seller.FrozenRemaining.Sub(qty)
	if buyer.FrozenRemaining.IsNegative() || seller.FrozenRemaining.IsNegative() {
		return nil, errors.Wrapf(types.ErrInconsistentState,
			"negative collateral after fill: buyer %s seller %s",
			buyer.FrozenRemaining, seller.FrozenRemaining)
	}

	if err := e.orders.ApplyFill(maker.ID, qty, price); err != nil {
		return nil, err
	}
	if err := e.orders.ApplyFill(taker.ID, qty, price); err != nil {
		return nil, err
	}

	// A filled maker leaves the book and releases any residual hold;
	// the taker's residual is handled once the whole pass ends.
	if maker.Status == types.OrderStatusFilled {
		e.active.Add(-1)
		e.releaseResidual(maker)
	}

	trade := &types.Trade{
		ID:          e.ids.NextTradeID(),
		PairID:      e.pair.ID,
		Symbol:      e.pair.Symbol,
		BuyOrderID:  buyer.ID,
		SellOrderID: seller.ID,
		BuyUserID:   buyer.UserID,
		SellUserID:  seller.UserID,
		TakerSide:   taker.Side,
		Price:       price,
		Quantity:    qty,
		Fee:         fee,
		FeeAsset:    e.pair.QuoteAsset,
		ExecutedAt:  nowFn().UnixMilli(),
	}
	e.trades.Append(trade)
	e.stats.Record(trade)

	e.mets.TradesTotal.WithLabelValues(e.pair.Symbol).Inc()
	vol, _ := qty.Float64()
	e.mets.TradeVolume.WithLabelValues(e.pair.Symbol).Add(vol)
	return trade, nil
}

// releaseResidual unfreezes whatever hold is left on a terminal order:
// price improvement on limit buys, margin on market buys, nothing in
// the common case.
func (e *Engine) releaseResidual(order *types.Order) {
	if !order.FrozenRemaining.IsPositive() {
		return
	}
	if err := e.ledger.Unfreeze(order.UserID, order.FrozenAsset, order.FrozenRemaining); err != nil {
		e.halt(err)
		return
	}
	order.FrozenRemaining = math.LegacyZeroDec()
}

// finishTaker settles the taker's post-match state: cancel an unfilled
// market remainder and release residual collateral on terminal orders.
func (e *Engine) finishTaker(taker *types.Order) {
	if taker.OrderType == types.OrderTypeMarket && taker.RemainingQty().IsPositive() {
		// Market orders never rest: whatever the book could not serve
		// cancels, keeping any partial fills.
		if err := e.orders.Transition(taker.ID, types.OrderStatusCancelled); err != nil {
			e.halt(err)
			return
		}
	}
	if taker.Status.IsTerminal() {
		e.releaseResidual(taker)
	}
}

// publishPass emits all events produced by one match pass, then the
// refreshed depth and ticker.
func (e *Engine) publishPass(taker *types.Order, fills []fill, touched []pricePoint) {
	e.pub.OrderUpdated(taker.Clone())
	for _, f := range fills {
		e.pub.OrderUpdated(f.maker.Clone())
		buyer, seller := taker, f.maker
		if taker.Side == types.SideSell {
			buyer, seller = f.maker, taker
		}
		e.pub.TradeExecuted(f.trade, buyer.Clone(), seller.Clone())
	}

	if len(touched) > 0 {
		e.pub.DepthChanged(e.pair.Symbol, e.deltaLevels(touched))
	}
	if len(fills) > 0 {
		e.pub.TickerUpdated(e.pair.Symbol, e.stats.Ticker(e.book.MidPrice()))
	}

	bidLevels, askLevels := e.book.Depth()
	e.mets.BookDepth.WithLabelValues(e.pair.Symbol, "buy").Set(float64(bidLevels))
	e.mets.BookDepth.WithLabelValues(e.pair.Symbol, "sell").Set(float64(askLevels))
	e.mets.OrdersActive.WithLabelValues(e.pair.Symbol).Set(float64(e.active.Load()))
}

// deltaLevels reads the post-pass aggregate at each touched price. A
// cleared level reports zero so subscribers can drop it.
func (e *Engine) deltaLevels(touched []pricePoint) []types.BookDeltaLevel {
	seen := make(map[string]bool, len(touched))
	out := make([]types.BookDeltaLevel, 0, len(touched))
	for _, pp := range touched {
		key := pp.side.String() + "@" + pp.price.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.BookDeltaLevel{
			Side:     pp.side.String(),
			Price:    pp.price.String(),
			Quantity: e.book.LevelQty(pp.side, pp.price).String(),
		})
	}
	return out
}

// Cancel removes a resting order owned by userID, releasing its
// remaining collateral.
func (e *Engine) Cancel(ctx context.Context, userID, orderID int64) error {
	if e.halted.Load() {
		return errors.Wrapf(types.ErrEngineHalted, "%s", e.pair.Symbol)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.halted.Load() {
		return errors.Wrapf(types.ErrEngineHalted, "%s", e.pair.Symbol)
	}

	order := e.orders.Get(orderID)
	if order == nil || order.Symbol != e.pair.Symbol {
		return errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	if order.UserID != userID {
		return errors.Wrapf(types.ErrNotOrderOwner, "order %d", orderID)
	}
	if order.Status.IsTerminal() {
		return errors.Wrapf(types.ErrInvalidStateTransition,
			"order %d already %s", orderID, order.Status)
	}

	if err := e.orders.Transition(orderID, types.OrderStatusCancelled); err != nil {
		return err
	}
	if removed := e.book.Remove(orderID, order.Side, order.Price); removed != nil {
		e.active.Add(-1)
	}
	e.releaseResidual(order)
	e.mets.OrdersActive.WithLabelValues(e.pair.Symbol).Set(float64(e.active.Load()))

	e.pub.OrderUpdated(order.Clone())
	if order.OrderType == types.OrderTypeLimit {
		e.pub.DepthChanged(e.pair.Symbol, e.deltaLevels([]pricePoint{
			{side: order.Side, price: order.Price},
		}))
	}
	e.mets.OrdersTotal.WithLabelValues(
		e.pair.Symbol, order.Side.String(), order.OrderType.String(), order.Status.String(),
	).Inc()
	return nil
}

// CancelAll cancels every open order the user has on this symbol,
// returning the ids it cancelled.
func (e *Engine) CancelAll(ctx context.Context, userID int64) ([]int64, error) {
	open := e.orders.ListByUser(userID, ListFilter{Symbol: e.pair.Symbol, OpenOnly: true})
	cancelled := make([]int64, 0, len(open))
	for _, o := range open {
		if err := e.Cancel(ctx, userID, o.ID); err != nil {
			if errors.IsOf(err, types.ErrInvalidStateTransition, types.ErrOrderNotFound) {
				continue // raced with a fill between listing and cancel
			}
			return cancelled, err
		}
		cancelled = append(cancelled, o.ID)
	}
	return cancelled, nil
}

// RestoreOrder reinserts a recovered open limit order into the book and
// recomputes its collateral hold. Only the recovery path may call this,
// before traffic is accepted.
func (e *Engine) RestoreOrder(order *types.Order) {
	if order.OrderType != types.OrderTypeLimit || !order.IsOpen() {
		return
	}
	if order.Side == types.SideBuy {
		order.FrozenAsset = e.pair.QuoteAsset
		order.FrozenRemaining = order.Price.Mul(order.RemainingQty())
	} else {
		order.FrozenAsset = e.pair.BaseAsset
		order.FrozenRemaining = order.RemainingQty()
	}
	e.book.Insert(order)
	e.active.Add(1)
}
