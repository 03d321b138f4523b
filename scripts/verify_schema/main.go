// verify_schema checks that a ledger database carries every table and the
// columns the trading path depends on.
//
//	DB_DRIVER=sqlite DB_PATH=./data/market.db go run ./scripts/verify_schema
//	DB_DRIVER=postgres DATABASE_URL=postgres://... go run ./scripts/verify_schema
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// probes select the columns each table must have; an error means the table or
// a column is missing.
var probes = []struct {
	table string
	query string
}{
	{"instruments", "SELECT id, type, symbol, display_name, decimals, created_by, created_at FROM instruments LIMIT 1"},
	{"instrument_state", "SELECT instrument_id, last_price, change_1h, change_24h, volatility_24h FROM instrument_state LIMIT 1"},
	{"instrument_price_history", "SELECT id, instrument_id, ts, price, volume, reason FROM instrument_price_history LIMIT 1"},
	{"user_holdings", "SELECT player_uuid, instrument_id, qty, avg_cost, version FROM user_holdings LIMIT 1"},
	{"orders", "SELECT id, player_uuid, instrument_id, side, qty, price, notional, fee, client_idempotency, ts FROM orders LIMIT 1"},
	{"wallets", "SELECT player_uuid, balance FROM wallets LIMIT 1"},
	{"player_trade_limits", "SELECT player_uuid, minute_start, notional_used, last_trade_ts FROM player_trade_limits LIMIT 1"},
	{"audit_log", "SELECT id, ts, player_uuid, instrument_id, action, expected_qty, actual_qty, details FROM audit_log LIMIT 1"},
	{"portfolio_history", "SELECT id, player_uuid, ts, total_value, cash_balance, holdings_value FROM portfolio_history LIMIT 1"},
}

func main() {
	log := logger.New(logger.Options{Level: "info"})
	defer func() { _ = log.Sync() }()

	driver := getenv("DB_DRIVER", db.DriverSQLite)
	dsn := getenv("DB_PATH", "./data/market.db")
	if driver == db.DriverPostgres {
		dsn = os.Getenv("DATABASE_URL")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, driver, dsn)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	log.Info("verifying ledger schema", zap.String("driver", database.Driver), zap.String("dsn", dsn))

	missing := 0
	for _, p := range probes {
		rows, err := database.Q().QueryContext(ctx, p.query)
		if err != nil {
			missing++
			log.Error("table check failed", zap.String("table", p.table), zap.Error(err))
			continue
		}
		_ = rows.Close()
		log.Info("table ok", zap.String("table", p.table))
	}
	if missing > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d tables failed verification\n", missing, len(probes))
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
