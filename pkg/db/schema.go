package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Types are chosen to be valid on both sqlite and postgres: BIGINT holds unix
// millis, DOUBLE PRECISION keeps float8 on postgres and REAL affinity on sqlite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    display_name TEXT NOT NULL,
    decimals INTEGER NOT NULL DEFAULT 2,
    created_by TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments (UPPER(symbol))`,

	`CREATE TABLE IF NOT EXISTS instrument_state (
    instrument_id TEXT PRIMARY KEY REFERENCES instruments(id),
    last_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
    change_1h DOUBLE PRECISION NOT NULL DEFAULT 0,
    change_24h DOUBLE PRECISION NOT NULL DEFAULT 0,
    volatility_24h DOUBLE PRECISION NOT NULL DEFAULT 0,
    market_cap DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS instrument_price_history (
    id TEXT PRIMARY KEY,
    instrument_id TEXT NOT NULL,
    ts BIGINT NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    volume DOUBLE PRECISION NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_instrument_ts ON instrument_price_history (instrument_id, ts)`,

	`CREATE TABLE IF NOT EXISTS user_holdings (
    player_uuid TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    qty DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (qty >= 0),
    avg_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    updated_at BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (player_uuid, instrument_id)
)`,

	`CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    player_uuid TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    side TEXT NOT NULL,
    qty DOUBLE PRECISION NOT NULL,
    price DOUBLE PRECISION NOT NULL CHECK (price > 0),
    notional DOUBLE PRECISION NOT NULL DEFAULT 0,
    fee DOUBLE PRECISION NOT NULL DEFAULT 0,
    client_idempotency TEXT UNIQUE,
    ts BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_player_ts ON orders (player_uuid, ts)`,

	`CREATE TABLE IF NOT EXISTS wallets (
    player_uuid TEXT PRIMARY KEY,
    balance DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at BIGINT NOT NULL DEFAULT 0
)`,

	`CREATE TABLE IF NOT EXISTS player_trade_limits (
    player_uuid TEXT NOT NULL,
    minute_start BIGINT NOT NULL,
    notional_used DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_trade_ts BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (player_uuid, minute_start)
)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    ts BIGINT NOT NULL,
    player_uuid TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    action TEXT NOT NULL,
    expected_qty DOUBLE PRECISION NOT NULL,
    actual_qty DOUBLE PRECISION NOT NULL,
    details TEXT NOT NULL DEFAULT ''
)`,

	`CREATE TABLE IF NOT EXISTS portfolio_history (
    id TEXT PRIMARY KEY,
    player_uuid TEXT NOT NULL,
    ts BIGINT NOT NULL,
    total_value DOUBLE PRECISION NOT NULL,
    cash_balance DOUBLE PRECISION NOT NULL,
    holdings_value DOUBLE PRECISION NOT NULL,
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_portfolio_history_player_ts ON portfolio_history (player_uuid, ts)`,
}

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	ctx := context.Background()

	if d.Driver == DriverSQLite {
		if _, err := d.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Idempotent upgrades for ledgers created before these columns existed.
	if d.Driver == DriverSQLite {
		if err := ensureColumn(d.DB, "orders", "notional", "DOUBLE PRECISION NOT NULL DEFAULT 0"); err != nil {
			return err
		}
		if err := ensureColumn(d.DB, "orders", "fee", "DOUBLE PRECISION NOT NULL DEFAULT 0"); err != nil {
			return err
		}
		if err := ensureColumn(d.DB, "user_holdings", "updated_at", "BIGINT NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}
	if d.Driver == DriverPostgres {
		// sqlite orders same-ts rows by rowid; postgres needs its own sequence.
		for _, table := range sequencedTables {
			if _, err := d.DB.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN IF NOT EXISTS seq BIGSERIAL`); err != nil {
				return fmt.Errorf("add seq to %s: %w", table, err)
			}
		}
	}
	return nil
}

// sequencedTables are read back in ts order with an insertion tie-breaker.
var sequencedTables = []string{"instrument_price_history", "orders", "portfolio_history", "audit_log"}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
