package store

import (
	"database/sql"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/engine"
	"github.com/openalpha/spot-dex/ledger"
	"github.com/openalpha/spot-dex/types"
)

// Loader rebuilds the in-memory state from the durable store at
// startup: trading pairs, balances, open orders back onto their books,
// the trade history indexes, and the id allocator seeds. Once replay
// completes it opens the service for traffic.
type Loader struct {
	db      *DB
	service *engine.Service
	ledger  *ledger.Ledger
	orders  *engine.OrderStore
	trades  *engine.TradeLog
	ids     *engine.IDAllocator
	logger  log.Logger
}

// NewLoader wires a recovery loader.
func NewLoader(
	db *DB,
	service *engine.Service,
	led *ledger.Ledger,
	orders *engine.OrderStore,
	trades *engine.TradeLog,
	ids *engine.IDAllocator,
	logger log.Logger,
) *Loader {
	return &Loader{
		db:      db,
		service: service,
		ledger:  led,
		orders:  orders,
		trades:  trades,
		ids:     ids,
		logger:  logger.With("module", "recovery"),
	}
}

// Run replays durable state and marks the service ready. Must complete
// before any traffic is accepted; the service rejects calls until it
// does.
func (l *Loader) Run() error {
	start := time.Now()

	pairs, err := l.loadPairs()
	if err != nil {
		return err
	}
	if err := l.loadAssets(); err != nil {
		return err
	}
	openOrders, err := l.loadOrders()
	if err != nil {
		return err
	}
	tradeCount, err := l.loadTrades()
	if err != nil {
		return err
	}

	l.service.SetReady()
	l.logger.Info("recovery complete",
		"pairs", pairs, "open_orders", openOrders, "trades", tradeCount,
		"took", time.Since(start))
	return nil
}

func (l *Loader) loadPairs() (int, error) {
	rows, err := l.db.sql.Query(`SELECT id, symbol, base_asset, quote_asset,
		min_qty, max_qty, price_precision, qty_precision, is_active
		FROM trading_pairs`)
	if err != nil {
		return 0, errors.Wrap(err, "load trading pairs")
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			pair           types.TradingPair
			minQty, maxQty string
			active         int
		)
		if err := rows.Scan(&pair.ID, &pair.Symbol, &pair.BaseAsset, &pair.QuoteAsset,
			&minQty, &maxQty, &pair.PricePrecision, &pair.QtyPrecision, &active); err != nil {
			return count, errors.Wrap(err, "scan trading pair")
		}
		if pair.MinQty, err = math.LegacyNewDecFromStr(minQty); err != nil {
			return count, errors.Wrapf(err, "pair %s min_qty", pair.Symbol)
		}
		if pair.MaxQty, err = math.LegacyNewDecFromStr(maxQty); err != nil {
			return count, errors.Wrapf(err, "pair %s max_qty", pair.Symbol)
		}
		pair.IsActive = active != 0

		if _, err := l.service.RegisterPair(&pair); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (l *Loader) loadAssets() error {
	rows, err := l.db.sql.Query(`SELECT user_id, symbol, available, frozen, updated_at FROM assets`)
	if err != nil {
		return errors.Wrap(err, "load assets")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			asset             types.Asset
			available, frozen string
			updatedAt         int64
		)
		if err := rows.Scan(&asset.UserID, &asset.Symbol, &available, &frozen, &updatedAt); err != nil {
			return errors.Wrap(err, "scan asset")
		}
		if asset.Available, err = math.LegacyNewDecFromStr(available); err != nil {
			return errors.Wrapf(err, "asset %d/%s available", asset.UserID, asset.Symbol)
		}
		if asset.Frozen, err = math.LegacyNewDecFromStr(frozen); err != nil {
			return errors.Wrapf(err, "asset %d/%s frozen", asset.UserID, asset.Symbol)
		}
		asset.UpdatedAt = time.UnixMilli(updatedAt)
		l.ledger.Load(&asset)
	}
	return rows.Err()
}

// loadOrders replays all orders into the order store and reinserts
// open limit orders onto their books. Terminal orders load too so
// lookups keep working across restarts.
func (l *Loader) loadOrders() (int, error) {
	rows, err := l.db.sql.Query(`SELECT id, user_id, pair_id, symbol, side, order_type,
		price, quantity, filled_qty, quote_volume, avg_fill_price, status,
		client_order_id, created_at, updated_at
		FROM orders ORDER BY created_at, id`)
	if err != nil {
		return 0, errors.Wrap(err, "load orders")
	}
	defer rows.Close()

	var maxID int64
	open := 0
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return open, err
		}
		if order.ID > maxID {
			maxID = order.ID
		}

		// A market order interrupted mid-flight recovers as cancelled:
		// it never rests, and its fills are already settled.
		if order.OrderType == types.OrderTypeMarket && !order.Status.IsTerminal() {
			order.Status = types.OrderStatusCancelled
		}

		l.orders.Load(order)

		if order.OrderType == types.OrderTypeLimit && order.IsOpen() {
			eng, err := l.service.Engine(order.Symbol)
			if err != nil {
				l.logger.Error("open order for unknown pair, skipping book insert",
					"order", order.ID, "symbol", order.Symbol)
				continue
			}
			eng.RestoreOrder(order)
			open++
		}
	}
	l.ids.SeedOrders(maxID)
	return open, rows.Err()
}

func scanOrder(rows *sql.Rows) (*types.Order, error) {
	var (
		order                    types.Order
		side, orderType, status  string
		price, quantity          string
		filledQty, quoteVolume   string
		avgFillPrice             string
		createdAt, updatedAt     int64
	)
	if err := rows.Scan(&order.ID, &order.UserID, &order.PairID, &order.Symbol,
		&side, &orderType, &price, &quantity, &filledQty, &quoteVolume,
		&avgFillPrice, &status, &order.ClientOrderID, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan order")
	}

	order.Side = types.ParseSide(side)
	order.OrderType = types.ParseOrderType(orderType)
	order.Status = types.ParseOrderStatus(status)
	order.CreatedAt = time.UnixMilli(createdAt)
	order.UpdatedAt = time.UnixMilli(updatedAt)
	order.FrozenRemaining = math.LegacyZeroDec()

	var err error
	if order.Price, err = math.LegacyNewDecFromStr(price); err != nil {
		return nil, errors.Wrapf(err, "order %d price", order.ID)
	}
	if order.Quantity, err = math.LegacyNewDecFromStr(quantity); err != nil {
		return nil, errors.Wrapf(err, "order %d quantity", order.ID)
	}
	if order.FilledQty, err = math.LegacyNewDecFromStr(filledQty); err != nil {
		return nil, errors.Wrapf(err, "order %d filled_qty", order.ID)
	}
	if order.QuoteVolume, err = math.LegacyNewDecFromStr(quoteVolume); err != nil {
		return nil, errors.Wrapf(err, "order %d quote_volume", order.ID)
	}
	if order.AvgFillPrice, err = math.LegacyNewDecFromStr(avgFillPrice); err != nil {
		return nil, errors.Wrapf(err, "order %d avg_fill_price", order.ID)
	}
	return &order, nil
}

// loadTrades rebuilds the trade history indexes and seeds recent
// trades into the market statistics windows.
func (l *Loader) loadTrades() (int, error) {
	rows, err := l.db.sql.Query(`SELECT id, pair_id, symbol, buy_order_id, sell_order_id,
		buy_user_id, sell_user_id, taker_side, price, quantity, fee, fee_asset, executed_at
		FROM trades ORDER BY id`)
	if err != nil {
		return 0, errors.Wrap(err, "load trades")
	}
	defer rows.Close()

	statsCutoff := time.Now().Add(-24 * time.Hour).UnixMilli()

	var maxID int64
	count := 0
	for rows.Next() {
		var (
			t                    types.Trade
			takerSide            string
			price, quantity, fee string
		)
		if err := rows.Scan(&t.ID, &t.PairID, &t.Symbol,
			&t.BuyOrderID, &t.SellOrderID,
			&t.BuyUserID, &t.SellUserID,
			&takerSide, &price, &quantity, &fee, &t.FeeAsset,
			&t.ExecutedAt); err != nil {
			return count, errors.Wrap(err, "scan trade")
		}
		t.TakerSide = types.ParseSide(takerSide)
		if t.Price, err = math.LegacyNewDecFromStr(price); err != nil {
			return count, errors.Wrapf(err, "trade %d price", t.ID)
		}
		if t.Quantity, err = math.LegacyNewDecFromStr(quantity); err != nil {
			return count, errors.Wrapf(err, "trade %d quantity", t.ID)
		}
		if t.Fee, err = math.LegacyNewDecFromStr(fee); err != nil {
			return count, errors.Wrapf(err, "trade %d fee", t.ID)
		}

		l.trades.Load(&t)
		if t.ID > maxID {
			maxID = t.ID
		}
		if t.ExecutedAt >= statsCutoff {
			if eng, err := l.service.Engine(t.Symbol); err == nil {
				eng.Stats().Record(&t)
			}
		}
		count++
	}
	l.ids.SeedTrades(maxID)
	return count, rows.Err()
}
