package store

import "cosmossdk.io/errors"

// Decimals are stored as TEXT to keep exact fixed-point values;
// timestamps as millisecond unix integers.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trading_pairs (
		id              INTEGER PRIMARY KEY,
		symbol          TEXT NOT NULL UNIQUE,
		base_asset      TEXT NOT NULL,
		quote_asset     TEXT NOT NULL,
		min_qty         TEXT NOT NULL,
		max_qty         TEXT NOT NULL,
		price_precision INTEGER NOT NULL,
		qty_precision   INTEGER NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		user_id    INTEGER NOT NULL,
		symbol     TEXT NOT NULL,
		available  TEXT NOT NULL,
		frozen     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id              INTEGER PRIMARY KEY,
		user_id         INTEGER NOT NULL,
		pair_id         INTEGER NOT NULL,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		order_type      TEXT NOT NULL,
		price           TEXT NOT NULL,
		quantity        TEXT NOT NULL,
		filled_qty      TEXT NOT NULL,
		quote_volume    TEXT NOT NULL,
		avg_fill_price  TEXT NOT NULL,
		status          TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id            INTEGER PRIMARY KEY,
		pair_id       INTEGER NOT NULL,
		symbol        TEXT NOT NULL,
		buy_order_id  INTEGER NOT NULL,
		sell_order_id INTEGER NOT NULL,
		buy_user_id   INTEGER NOT NULL,
		sell_user_id  INTEGER NOT NULL,
		taker_side    TEXT NOT NULL,
		price         TEXT NOT NULL,
		quantity      TEXT NOT NULL,
		fee           TEXT NOT NULL,
		fee_asset     TEXT NOT NULL,
		executed_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_buy_order ON trades (buy_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_sell_order ON trades (sell_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades (symbol, executed_at)`,
}

const (
	upsertOrderSQL = `INSERT INTO orders
		(id, user_id, pair_id, symbol, side, order_type, price, quantity,
		 filled_qty, quote_volume, avg_fill_price, status, client_order_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			quote_volume = excluded.quote_volume,
			avg_fill_price = excluded.avg_fill_price,
			status = excluded.status,
			updated_at = excluded.updated_at`

	insertTradeSQL = `INSERT OR IGNORE INTO trades
		(id, pair_id, symbol, buy_order_id, sell_order_id, buy_user_id,
		 sell_user_id, taker_side, price, quantity, fee, fee_asset, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertAssetSQL = `INSERT INTO assets (user_id, symbol, available, frozen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			available = excluded.available,
			frozen = excluded.frozen,
			updated_at = excluded.updated_at`

	upsertPairSQL = `INSERT INTO trading_pairs
		(id, symbol, base_asset, quote_asset, min_qty, max_qty,
		 price_precision, qty_precision, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			min_qty = excluded.min_qty,
			max_qty = excluded.max_qty,
			is_active = excluded.is_active`
)

// migrate applies the schema statements in order. Statements are
// idempotent, so migrate runs at every startup.
func (d *DB) migrate() error {
	for _, stmt := range migrations {
		if _, err := d.sql.Exec(stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}
