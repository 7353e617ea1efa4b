package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/book"
	"github.com/openalpha/spot-dex/ledger"
	"github.com/openalpha/spot-dex/market"
	"github.com/openalpha/spot-dex/types"
)

// Service is the exchange facade: it owns one matching engine per
// trading pair and fronts every externally reachable operation with
// validation and readiness gating.
type Service struct {
	cfg    Config
	ledger *ledger.Ledger
	orders *OrderStore
	trades *TradeLog
	ids    *IDAllocator
	pub    Publisher
	logger log.Logger

	mu      sync.RWMutex
	engines map[string]*Engine

	// ready flips once recovery has replayed durable state. Until then
	// every operation is refused.
	ready atomic.Bool
}

// NewService wires the facade. The order store, trade log and ledger
// are shared by all engines; hooks feeding the write queues are
// installed by the caller at construction of those collaborators.
func NewService(
	cfg Config,
	led *ledger.Ledger,
	orders *OrderStore,
	trades *TradeLog,
	ids *IDAllocator,
	pub Publisher,
	logger log.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		ledger:  led,
		orders:  orders,
		trades:  trades,
		ids:     ids,
		pub:     pub,
		logger:  logger.With("module", "service"),
		engines: make(map[string]*Engine),
	}
}

// SetReady opens the service for traffic. Recovery calls it exactly
// once after replay completes.
func (s *Service) SetReady() {
	s.ready.Store(true)
	s.logger.Info("exchange core ready", "pairs", len(s.engines))
}

// Ready reports whether the service accepts traffic.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) checkReady() error {
	if !s.ready.Load() {
		return types.ErrNotReady
	}
	return nil
}

// RegisterPair creates the matching engine for a new trading pair.
// Called during recovery and by operator tooling before SetReady.
func (s *Service) RegisterPair(pair *types.TradingPair) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.engines[pair.Symbol]; exists {
		return nil, errors.Wrapf(types.ErrDuplicateTradingPair, "%s", pair.Symbol)
	}
	eng := NewEngine(
		pair,
		book.New(pair.Symbol),
		s.ledger,
		s.orders,
		s.trades,
		s.ids,
		market.NewStats(pair.Symbol),
		s.pub,
		s.cfg,
		s.logger,
	)
	s.engines[pair.Symbol] = eng
	return eng, nil
}

// Engine returns the matching engine for symbol, or ErrUnknownSymbol.
func (s *Service) Engine(symbol string) (*Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eng, ok := s.engines[symbol]
	if !ok {
		return nil, errors.Wrapf(types.ErrUnknownSymbol, "%s", symbol)
	}
	return eng, nil
}

// Pairs returns all registered trading pairs sorted by symbol.
func (s *Service) Pairs() []*types.TradingPair {
	s.mu.RLock()
	out := make([]*types.TradingPair, 0, len(s.engines))
	for _, eng := range s.engines {
		p := *eng.Pair()
		out = append(out, &p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SubmitOrder validates and runs a new order through its symbol's
// engine, returning the post-match order view. A validation failure or
// failed collateral freeze rejects the order without storing anything.
func (s *Service) SubmitOrder(
	ctx context.Context,
	userID int64,
	symbol string,
	side types.Side,
	orderType types.OrderType,
	price, quantity math.LegacyDec,
	clientOrderID string,
) (*types.OrderView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	eng, err := s.Engine(symbol)
	if err != nil {
		return nil, err
	}
	pair := eng.Pair()
	if err := validateOrderParams(pair, side, orderType, price, quantity); err != nil {
		return nil, err
	}
	if orderType == types.OrderTypeMarket {
		price = math.LegacyZeroDec()
	}

	order := types.NewOrder(userID, pair, side, orderType, price, quantity, clientOrderID)
	if err := eng.Submit(ctx, order); err != nil {
		return nil, err
	}
	return order.View(), nil
}

// validateOrderParams checks an order request against the pair's
// trading rules.
func validateOrderParams(pair *types.TradingPair, side types.Side, orderType types.OrderType, price, quantity math.LegacyDec) error {
	if !pair.IsActive {
		return errors.Wrapf(types.ErrPairInactive, "%s", pair.Symbol)
	}
	if side != types.SideBuy && side != types.SideSell {
		return types.ErrInvalidSide
	}
	if orderType != types.OrderTypeLimit && orderType != types.OrderTypeMarket {
		return types.ErrInvalidOrderType
	}
	if quantity.IsNil() || !quantity.IsPositive() {
		return errors.Wrapf(types.ErrInvalidQuantity, "quantity %s", quantity)
	}
	if quantity.LT(pair.MinQty) {
		return errors.Wrapf(types.ErrQtyBelowMin, "%s < %s", quantity, pair.MinQty)
	}
	if pair.MaxQty.IsPositive() && quantity.GT(pair.MaxQty) {
		return errors.Wrapf(types.ErrQtyAboveMax, "%s > %s", quantity, pair.MaxQty)
	}
	if types.ExceedsPrecision(quantity, pair.QtyPrecision) {
		return errors.Wrapf(types.ErrQtyPrecision, "%s at precision %d", quantity, pair.QtyPrecision)
	}
	if orderType == types.OrderTypeLimit {
		if price.IsNil() || !price.IsPositive() {
			return errors.Wrapf(types.ErrInvalidPrice, "price %s", price)
		}
		if types.ExceedsPrecision(price, pair.PricePrecision) {
			return errors.Wrapf(types.ErrPricePrecision, "%s at precision %d", price, pair.PricePrecision)
		}
	}
	return nil
}

// CancelOrder cancels one open order owned by userID.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (*types.OrderView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	order := s.orders.Get(orderID)
	if order == nil {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	eng, err := s.Engine(order.Symbol)
	if err != nil {
		return nil, err
	}
	if err := eng.Cancel(ctx, userID, orderID); err != nil {
		return nil, err
	}
	return s.orders.Get(orderID).View(), nil
}

// CancelAllOrders cancels every open order the user has, optionally
// narrowed to one symbol, returning cancelled order ids.
func (s *Service) CancelAllOrders(ctx context.Context, userID int64, symbol string) ([]int64, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	engines := make([]*Engine, 0, len(s.engines))
	for sym, eng := range s.engines {
		if symbol != "" && sym != symbol {
			continue
		}
		engines = append(engines, eng)
	}
	s.mu.RUnlock()
	if symbol != "" && len(engines) == 0 {
		return nil, errors.Wrapf(types.ErrUnknownSymbol, "%s", symbol)
	}

	cancelled := make([]int64, 0)
	for _, eng := range engines {
		ids, err := eng.CancelAll(ctx, userID)
		cancelled = append(cancelled, ids...)
		if err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// GetOrder returns one order owned by userID.
func (s *Service) GetOrder(userID, orderID int64) (*types.OrderView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	order := s.orders.Get(orderID)
	if order == nil {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	if order.UserID != userID {
		return nil, errors.Wrapf(types.ErrNotOrderOwner, "order %d", orderID)
	}
	return order.Clone().View(), nil
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(userID int64, filter ListFilter) ([]*types.OrderView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	orders := s.orders.ListByUser(userID, filter)
	out := make([]*types.OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.View())
	}
	return out, nil
}

// GetOrderTrades returns the executions of one order owned by userID.
func (s *Service) GetOrderTrades(userID, orderID int64) ([]*types.TradeView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	order := s.orders.Get(orderID)
	if order == nil {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "order %d", orderID)
	}
	if order.UserID != userID {
		return nil, errors.Wrapf(types.ErrNotOrderOwner, "order %d", orderID)
	}
	trades := s.trades.GetOrderTrades(orderID)
	out := make([]*types.TradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.View())
	}
	return out, nil
}

// ListUserTrades returns the user's executions, newest first, with the
// side each was taken on.
func (s *Service) ListUserTrades(userID int64, symbol string, limit int) ([]*types.UserTradeView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	trades := s.trades.ListUserTrades(userID, symbol, limit)
	out := make([]*types.UserTradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.UserView(userID))
	}
	return out, nil
}

// GetAssets returns all balance records for a user.
func (s *Service) GetAssets(userID int64) ([]*types.AssetView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	assets := s.ledger.ListByUser(userID)
	out := make([]*types.AssetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.View())
	}
	return out, nil
}

// GetAsset returns one balance record.
func (s *Service) GetAsset(userID int64, symbol string) (*types.AssetView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	asset := s.ledger.Get(userID, symbol)
	if asset == nil {
		return nil, errors.Wrapf(types.ErrAssetNotFound, "user %d %s", userID, symbol)
	}
	return asset.View(), nil
}

// InitializeUserAssets seeds starting balances for a user.
func (s *Service) InitializeUserAssets(userID int64, balances map[string]math.LegacyDec) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.ledger.InitializeUserAssets(userID, balances)
	return nil
}

// Depth returns the top-n book snapshot for symbol.
func (s *Service) Depth(symbol string, n int) (*types.DepthView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	eng, err := s.Engine(symbol)
	if err != nil {
		return nil, err
	}
	return eng.Book().DepthSnapshot(n), nil
}

// Ticker returns the rolling 24h market statistics for symbol.
func (s *Service) Ticker(symbol string) (*types.TickerView, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	eng, err := s.Engine(symbol)
	if err != nil {
		return nil, err
	}
	return eng.Stats().Ticker(eng.Book().MidPrice()), nil
}

// HaltedSymbols lists symbols whose engines latched an invariant
// breach. Exposed for operator tooling.
func (s *Service) HaltedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for sym, eng := range s.engines {
		if eng.Halted() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
