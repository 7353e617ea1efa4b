package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/book"
	"github.com/openalpha/spot-dex/ledger"
	"github.com/openalpha/spot-dex/market"
	"github.com/openalpha/spot-dex/types"
)

// recorder captures published events for assertions.
type recorder struct {
	mu      sync.Mutex
	orders  []*types.Order
	trades  []*types.Trade
	deltas  [][]types.BookDeltaLevel
	tickers []*types.TickerView
	halts   []string
}

func (r *recorder) OrderUpdated(order *types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
}

func (r *recorder) TradeExecuted(trade *types.Trade, buyer, seller *types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
}

func (r *recorder) DepthChanged(symbol string, levels []types.BookDeltaLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, levels)
}

func (r *recorder) TickerUpdated(symbol string, tick *types.TickerView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers = append(r.tickers, tick)
}

func (r *recorder) EngineHalted(symbol, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halts = append(r.halts, symbol)
}

func (r *recorder) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

type fixture struct {
	eng    *Engine
	led    *ledger.Ledger
	orders *OrderStore
	trades *TradeLog
	rec    *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.FeeRate.IsNil() {
		cfg.FeeRate = math.LegacyZeroDec()
	}
	if cfg.MarketBuyMargin.IsNil() {
		cfg.MarketBuyMargin = math.LegacyZeroDec()
	}

	logger := log.NewNopLogger()
	rec := &recorder{}
	led := ledger.New(logger, nil)
	orders := NewOrderStore(nil)
	trades := NewTradeLog(nil)
	eng := NewEngine(
		testPair,
		book.New(testPair.Symbol),
		led, orders, trades,
		NewIDAllocator(),
		market.NewStats(testPair.Symbol),
		rec, cfg, logger,
	)
	return &fixture{eng: eng, led: led, orders: orders, trades: trades, rec: rec}
}

func (f *fixture) submitLimit(t *testing.T, userID int64, side types.Side, price, qty string) *types.Order {
	t.Helper()
	o := types.NewOrder(userID, testPair, side, types.OrderTypeLimit, dec(price), dec(qty), "")
	if err := f.eng.Submit(context.Background(), o); err != nil {
		t.Fatalf("submit limit failed: %v", err)
	}
	return o
}

func (f *fixture) submitMarket(t *testing.T, userID int64, side types.Side, qty string) *types.Order {
	t.Helper()
	o := types.NewOrder(userID, testPair, side, types.OrderTypeMarket, math.LegacyZeroDec(), dec(qty), "")
	if err := f.eng.Submit(context.Background(), o); err != nil {
		t.Fatalf("submit market failed: %v", err)
	}
	return o
}

func (f *fixture) assertBalance(t *testing.T, userID int64, symbol, available, frozen string) {
	t.Helper()
	asset := f.led.Get(userID, symbol)
	if asset == nil {
		if dec(available).IsZero() && dec(frozen).IsZero() {
			return
		}
		t.Fatalf("no balance record for user %d %s", userID, symbol)
	}
	if !asset.Available.Equal(dec(available)) {
		t.Errorf("user %d %s available: expected %s, got %s", userID, symbol, available, asset.Available)
	}
	if !asset.Frozen.Equal(dec(frozen)) {
		t.Errorf("user %d %s frozen: expected %s, got %s", userID, symbol, frozen, asset.Frozen)
	}
}

func TestLimitCrossSettlesBothSides(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.01")})

	sell := f.submitLimit(t, 2, types.SideSell, "50000", "0.01")
	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	if f.rec.tradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", f.rec.tradeCount())
	}
	trade := f.rec.trades[0]
	if !trade.Price.Equal(dec("50000")) || !trade.Quantity.Equal(dec("0.01")) {
		t.Errorf("unexpected trade %s @ %s", trade.Quantity, trade.Price)
	}
	if trade.TakerSide != types.SideBuy {
		t.Errorf("expected buy taker, got %s", trade.TakerSide)
	}

	if buy.Status != types.OrderStatusFilled || sell.Status != types.OrderStatusFilled {
		t.Errorf("expected both Filled, got %s / %s", buy.Status, sell.Status)
	}

	f.assertBalance(t, 1, "BTC", "0.01", "0")
	f.assertBalance(t, 1, "USDT", "500", "0")
	f.assertBalance(t, 2, "BTC", "0", "0")
	f.assertBalance(t, 2, "USDT", "500", "0")
}

func TestPartialFillRestsRemainder(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.02")})

	sell := f.submitLimit(t, 2, types.SideSell, "50000", "0.02")
	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	if buy.Status != types.OrderStatusFilled {
		t.Errorf("expected taker Filled, got %s", buy.Status)
	}
	if sell.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("expected maker PartiallyFilled, got %s", sell.Status)
	}
	if !sell.RemainingQty().Equal(dec("0.01")) {
		t.Errorf("expected remaining 0.01, got %s", sell.RemainingQty())
	}
	if qty := f.eng.Book().LevelQty(types.SideSell, dec("50000")); !qty.Equal(dec("0.01")) {
		t.Errorf("expected 0.01 resting, got %s", qty)
	}

	f.assertBalance(t, 1, "BTC", "0.01", "0")
	f.assertBalance(t, 1, "USDT", "500", "0")
	f.assertBalance(t, 2, "BTC", "0", "0.01")
	f.assertBalance(t, 2, "USDT", "500", "0")
}

func TestSelfTradePrevention(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{
		"USDT": dec("1000"), "BTC": dec("0.01"),
	})

	sell := f.submitLimit(t, 1, types.SideSell, "50000", "0.01")
	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	if f.rec.tradeCount() != 0 {
		t.Fatalf("expected no self-trade, got %d trades", f.rec.tradeCount())
	}
	if sell.Status != types.OrderStatusActive || buy.Status != types.OrderStatusActive {
		t.Errorf("expected both resting Active, got %s / %s", sell.Status, buy.Status)
	}
	if qty := f.eng.Book().LevelQty(types.SideSell, dec("50000")); !qty.Equal(dec("0.01")) {
		t.Errorf("sell not resting: %s", qty)
	}
	if qty := f.eng.Book().LevelQty(types.SideBuy, dec("50000")); !qty.Equal(dec("0.01")) {
		t.Errorf("buy not resting: %s", qty)
	}
}

func TestMarketMakerSelfMatchAllowed(t *testing.T) {
	f := newFixture(t, Config{MarketMakerUserID: 9})
	f.led.InitializeUserAssets(9, map[string]math.LegacyDec{
		"USDT": dec("1000"), "BTC": dec("0.01"),
	})

	f.submitLimit(t, 9, types.SideSell, "50000", "0.01")
	f.submitLimit(t, 9, types.SideBuy, "50000", "0.01")

	if f.rec.tradeCount() != 1 {
		t.Errorf("expected market maker self-match, got %d trades", f.rec.tradeCount())
	}
}

func TestMarketBuyPartialCancelsRemainder(t *testing.T) {
	f := newFixture(t, Config{MarketBuyMargin: dec("0.05")})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.007")})

	f.submitLimit(t, 2, types.SideSell, "50000", "0.005")
	f.submitLimit(t, 2, types.SideSell, "51000", "0.002")

	buy := f.submitMarket(t, 1, types.SideBuy, "0.01")

	if f.rec.tradeCount() != 2 {
		t.Fatalf("expected 2 trades, got %d", f.rec.tradeCount())
	}
	if !f.rec.trades[0].Price.Equal(dec("50000")) || !f.rec.trades[0].Quantity.Equal(dec("0.005")) {
		t.Errorf("first trade wrong: %s @ %s", f.rec.trades[0].Quantity, f.rec.trades[0].Price)
	}
	if !f.rec.trades[1].Price.Equal(dec("51000")) || !f.rec.trades[1].Quantity.Equal(dec("0.002")) {
		t.Errorf("second trade wrong: %s @ %s", f.rec.trades[1].Quantity, f.rec.trades[1].Price)
	}

	if buy.Status != types.OrderStatusCancelled {
		t.Errorf("expected remainder Cancelled, got %s", buy.Status)
	}
	if !buy.FilledQty.Equal(dec("0.007")) {
		t.Errorf("expected filled 0.007, got %s", buy.FilledQty)
	}

	// 1000 - 0.005*50000 - 0.002*51000 = 648; margin residue unfrozen.
	f.assertBalance(t, 1, "BTC", "0.007", "0")
	f.assertBalance(t, 1, "USDT", "648", "0")
}

func TestMarketBuySkipsOwnRestingAsks(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{
		"USDT": dec("1000"), "BTC": dec("0.005"),
	})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.005")})

	own := f.submitLimit(t, 1, types.SideSell, "50000", "0.005")
	f.submitLimit(t, 2, types.SideSell, "51000", "0.005")

	// The collateral walk and the match both skip the taker's own
	// better-priced ask, so the buy settles at the deeper level.
	f.submitMarket(t, 1, types.SideBuy, "0.005")

	if f.rec.tradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", f.rec.tradeCount())
	}
	if !f.rec.trades[0].Price.Equal(dec("51000")) {
		t.Errorf("expected fill at 51000, got %s", f.rec.trades[0].Price)
	}
	if own.Status != types.OrderStatusActive {
		t.Errorf("own resting ask must stay untouched, got %s", own.Status)
	}
	f.assertBalance(t, 1, "USDT", "745", "0")
}

func TestMarketBuyEmptyBookCancelsUnfilled(t *testing.T) {
	f := newFixture(t, Config{MarketBuyMargin: dec("0.05")})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})

	buy := f.submitMarket(t, 1, types.SideBuy, "0.01")
	if buy.Status != types.OrderStatusCancelled {
		t.Errorf("expected Cancelled, got %s", buy.Status)
	}
	if !buy.FilledQty.IsZero() {
		t.Errorf("expected zero fills, got %s", buy.FilledQty)
	}
	f.assertBalance(t, 1, "USDT", "1000", "0")
}

func TestMarketBuyInsufficientCollateralRejects(t *testing.T) {
	f := newFixture(t, Config{MarketBuyMargin: dec("0.05")})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("100")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("1")})

	f.submitLimit(t, 2, types.SideSell, "50000", "1")

	o := types.NewOrder(1, testPair, types.SideBuy, types.OrderTypeMarket, math.LegacyZeroDec(), dec("0.01"), "")
	err := f.eng.Submit(context.Background(), o)
	if !types.ErrInsufficientFunds.Is(err) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if f.orders.Get(o.ID) != nil {
		t.Error("rejected order must not be stored")
	}
	f.assertBalance(t, 1, "USDT", "100", "0")
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("10000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("1")})
	f.led.InitializeUserAssets(3, map[string]math.LegacyDec{"BTC": dec("1")})
	f.led.InitializeUserAssets(4, map[string]math.LegacyDec{"BTC": dec("1")})

	better := f.submitLimit(t, 2, types.SideSell, "49900", "0.01")
	early := f.submitLimit(t, 3, types.SideSell, "50000", "0.01")
	late := f.submitLimit(t, 4, types.SideSell, "50000", "0.01")

	f.submitLimit(t, 1, types.SideBuy, "50000", "0.025")

	if f.rec.tradeCount() != 3 {
		t.Fatalf("expected 3 trades, got %d", f.rec.tradeCount())
	}
	// Better price first, then time priority at the shared level.
	if f.rec.trades[0].SellOrderID != better.ID {
		t.Errorf("expected best-priced maker first, got order %d", f.rec.trades[0].SellOrderID)
	}
	if f.rec.trades[1].SellOrderID != early.ID {
		t.Errorf("expected earlier maker second, got order %d", f.rec.trades[1].SellOrderID)
	}
	if f.rec.trades[2].SellOrderID != late.ID {
		t.Errorf("expected later maker last, got order %d", f.rec.trades[2].SellOrderID)
	}
	if !f.rec.trades[2].Quantity.Equal(dec("0.005")) {
		t.Errorf("expected final partial 0.005, got %s", f.rec.trades[2].Quantity)
	}
}

func TestMakerPriceImprovementRefundsBuyer(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.01")})

	f.submitLimit(t, 2, types.SideSell, "49000", "0.01")
	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	if !f.rec.trades[0].Price.Equal(dec("49000")) {
		t.Errorf("expected maker price 49000, got %s", f.rec.trades[0].Price)
	}
	if buy.Status != types.OrderStatusFilled {
		t.Errorf("expected Filled, got %s", buy.Status)
	}
	// Froze 500 at limit price, paid 490, improvement returned.
	f.assertBalance(t, 1, "USDT", "510", "0")
	f.assertBalance(t, 1, "BTC", "0.01", "0")
}

func TestFeeReducesSellerProceeds(t *testing.T) {
	f := newFixture(t, Config{FeeRate: dec("0.001")})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.01")})

	f.submitLimit(t, 2, types.SideSell, "50000", "0.01")
	f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	trade := f.rec.trades[0]
	if !trade.Fee.Equal(dec("0.5")) {
		t.Errorf("expected fee 0.5, got %s", trade.Fee)
	}
	if trade.FeeAsset != "USDT" {
		t.Errorf("expected fee in USDT, got %s", trade.FeeAsset)
	}
	// Seller receives 500 - 0.5.
	f.assertBalance(t, 2, "USDT", "499.5", "0")
	// Buyer pays full notional.
	f.assertBalance(t, 1, "USDT", "500", "0")
}

func TestCancelFreesCollateral(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})

	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")
	f.assertBalance(t, 1, "USDT", "500", "500")

	if err := f.eng.Cancel(context.Background(), 1, buy.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if buy.Status != types.OrderStatusCancelled {
		t.Errorf("expected Cancelled, got %s", buy.Status)
	}
	f.assertBalance(t, 1, "USDT", "1000", "0")

	bids, _ := f.eng.Book().Depth()
	if bids != 0 {
		t.Errorf("expected empty bids after cancel, got %d levels", bids)
	}
}

func TestCancelChecksOwnerAndTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})

	buy := f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	if err := f.eng.Cancel(context.Background(), 2, buy.ID); !types.ErrNotOrderOwner.Is(err) {
		t.Errorf("expected NotOrderOwner, got %v", err)
	}
	if err := f.eng.Cancel(context.Background(), 1, 999); !types.ErrOrderNotFound.Is(err) {
		t.Errorf("expected OrderNotFound, got %v", err)
	}

	if err := f.eng.Cancel(context.Background(), 1, buy.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := f.eng.Cancel(context.Background(), 1, buy.ID); !types.ErrInvalidStateTransition.Is(err) {
		t.Errorf("expected InvalidStateTransition on double cancel, got %v", err)
	}
}

func TestSettlementBreachHaltsEngine(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.01")})

	f.submitLimit(t, 2, types.SideSell, "50000", "0.01")

	// Corrupt the seller's collateral behind the engine's back so the
	// settlement debit fails.
	if err := f.led.DebitFromFrozen(2, "BTC", dec("0.01")); err != nil {
		t.Fatalf("setup debit failed: %v", err)
	}

	o := types.NewOrder(1, testPair, types.SideBuy, types.OrderTypeLimit, dec("50000"), dec("0.01"), "")
	err := f.eng.Submit(context.Background(), o)
	if !types.ErrEngineHalted.Is(err) {
		t.Fatalf("expected EngineHalted, got %v", err)
	}
	if !f.eng.Halted() {
		t.Error("engine should latch halted")
	}
	if len(f.rec.halts) != 1 {
		t.Errorf("expected 1 halt event, got %d", len(f.rec.halts))
	}

	// All further intake is refused.
	o2 := types.NewOrder(1, testPair, types.SideBuy, types.OrderTypeLimit, dec("1"), dec("0.01"), "")
	if err := f.eng.Submit(context.Background(), o2); !types.ErrEngineHalted.Is(err) {
		t.Errorf("expected EngineHalted on next submit, got %v", err)
	}
	if err := f.eng.Cancel(context.Background(), 2, 1); !types.ErrEngineHalted.Is(err) {
		t.Errorf("expected EngineHalted on cancel, got %v", err)
	}
}

func TestSubmitCancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})

	// Occupy the serialisation point so the submit must wait.
	f.eng.sem <- struct{}{}
	defer func() { <-f.eng.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	o := types.NewOrder(1, testPair, types.SideBuy, types.OrderTypeLimit, dec("50000"), dec("0.01"), "")
	err := f.eng.Submit(ctx, o)
	if !types.ErrCancelled.Is(err) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	f.assertBalance(t, 1, "USDT", "1000", "0")
}

func TestDepthDeltaReportsChangedLevels(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("1000")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"BTC": dec("0.01")})

	f.submitLimit(t, 2, types.SideSell, "50000", "0.01")
	f.submitLimit(t, 1, types.SideBuy, "50000", "0.01")

	last := f.rec.deltas[len(f.rec.deltas)-1]
	if len(last) != 1 {
		t.Fatalf("expected 1 changed level, got %d", len(last))
	}
	if last[0].Side != "sell" || last[0].Quantity != math.LegacyZeroDec().String() {
		t.Errorf("expected cleared sell level, got %+v", last[0])
	}
}

func TestBalanceConservationAcrossMixedFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.led.InitializeUserAssets(1, map[string]math.LegacyDec{"USDT": dec("5000"), "BTC": dec("0.5")})
	f.led.InitializeUserAssets(2, map[string]math.LegacyDec{"USDT": dec("5000"), "BTC": dec("0.5")})

	usdtBefore := f.led.TotalSupply("USDT")
	btcBefore := f.led.TotalSupply("BTC")

	f.submitLimit(t, 1, types.SideSell, "50000", "0.02")
	f.submitLimit(t, 2, types.SideBuy, "50000", "0.01")
	sell := f.submitLimit(t, 2, types.SideSell, "51000", "0.03")
	f.submitMarket(t, 1, types.SideBuy, "0.01")
	if err := f.eng.Cancel(context.Background(), 2, sell.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if !f.led.TotalSupply("USDT").Equal(usdtBefore) {
		t.Errorf("USDT not conserved: %s -> %s", usdtBefore, f.led.TotalSupply("USDT"))
	}
	if !f.led.TotalSupply("BTC").Equal(btcBefore) {
		t.Errorf("BTC not conserved: %s -> %s", btcBefore, f.led.TotalSupply("BTC"))
	}
}
