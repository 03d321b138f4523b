// Package db is the ledger store: connection handling, schema and the queries
// shared by the trading, analytics and audit services.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Queries runs ledger queries against a database or an open transaction.
type Queries struct {
	q Querier
}

// NewQueries binds the shared queries to q (a *sql.DB, *sql.Tx or a Querier
// handed out by WithTx).
func NewQueries(q Querier) *Queries {
	return &Queries{q: q}
}

// seq names the insertion sequence that orders rows sharing a ts: sqlite's
// implicit rowid, or the BIGSERIAL seq column on postgres.
func (q *Queries) seq() string {
	if _, ok := q.q.(rebinder); ok {
		return "seq"
	}
	return "rowid"
}

// Queries returns the shared queries bound to the database handle.
func (d *Database) Queries() *Queries {
	return NewQueries(d.Q())
}

// ----------------------------------------
// Instrument Queries
// ----------------------------------------

const instrumentColumns = `id, type, symbol, display_name, decimals, created_by, created_at`

func scanInstrument(row interface{ Scan(...any) error }) (Instrument, error) {
	var (
		in        Instrument
		typ       string
		createdAt int64
	)
	if err := row.Scan(&in.ID, &typ, &in.Symbol, &in.DisplayName, &in.Decimals, &in.CreatedBy, &createdAt); err != nil {
		return Instrument{}, err
	}
	in.Type = InstrumentType(typ)
	in.CreatedAt = fromMillis(createdAt)
	return in, nil
}

// GetInstrument returns an instrument by id.
func (q *Queries) GetInstrument(ctx context.Context, id string) (Instrument, error) {
	in, err := scanInstrument(q.q.QueryRowContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Instrument{}, ErrNotFound
	}
	if err != nil {
		return Instrument{}, fmt.Errorf("query instrument: %w", err)
	}
	return in, nil
}

// GetInstrumentBySymbol looks an instrument up by symbol, ignoring case.
func (q *Queries) GetInstrumentBySymbol(ctx context.Context, symbol string) (Instrument, error) {
	in, err := scanInstrument(q.q.QueryRowContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE UPPER(symbol) = ?`, strings.ToUpper(symbol)))
	if errors.Is(err, sql.ErrNoRows) {
		return Instrument{}, ErrNotFound
	}
	if err != nil {
		return Instrument{}, fmt.Errorf("query instrument by symbol: %w", err)
	}
	return in, nil
}

// ListInstruments returns all instruments ordered by symbol.
func (q *Queries) ListInstruments(ctx context.Context) ([]Instrument, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// InsertInstrument creates an instrument row.
func (q *Queries) InsertInstrument(ctx context.Context, in Instrument) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO instruments (id, type, symbol, display_name, decimals, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, in.ID, string(in.Type), in.Symbol, in.DisplayName, in.Decimals, in.CreatedBy, in.CreatedAt.UnixMilli())
	return err
}

// GetInstrumentState returns the live state for an instrument.
func (q *Queries) GetInstrumentState(ctx context.Context, instrumentID string) (InstrumentState, error) {
	var (
		s         InstrumentState
		updatedAt int64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT instrument_id, last_price, last_volume, change_1h, change_24h,
		       volatility_24h, market_cap, updated_at
		FROM instrument_state
		WHERE instrument_id = ?
	`, instrumentID).Scan(&s.InstrumentID, &s.LastPrice, &s.LastVolume, &s.Change1h, &s.Change24h,
		&s.Volatility24h, &s.MarketCap, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return InstrumentState{}, ErrNotFound
	}
	if err != nil {
		return InstrumentState{}, fmt.Errorf("query instrument state: %w", err)
	}
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

// UpsertInstrumentState stores the latest state for an instrument.
func (q *Queries) UpsertInstrumentState(ctx context.Context, s InstrumentState) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO instrument_state (
			instrument_id, last_price, last_volume, change_1h, change_24h,
			volatility_24h, market_cap, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument_id) DO UPDATE SET
			last_price = excluded.last_price,
			last_volume = excluded.last_volume,
			change_1h = excluded.change_1h,
			change_24h = excluded.change_24h,
			volatility_24h = excluded.volatility_24h,
			market_cap = excluded.market_cap,
			updated_at = excluded.updated_at
	`, s.InstrumentID, s.LastPrice, s.LastVolume, s.Change1h, s.Change24h,
		s.Volatility24h, s.MarketCap, s.UpdatedAt.UnixMilli())
	return err
}

// ----------------------------------------
// Price History Queries
// ----------------------------------------

// InsertPricePoint appends a price history row.
func (q *Queries) InsertPricePoint(ctx context.Context, p PricePoint) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO instrument_price_history (id, instrument_id, ts, price, volume, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.InstrumentID, p.Ts.UnixMilli(), p.Price, p.Volume, p.Reason)
	return err
}

// PriceHistorySince returns rows with ts >= since, oldest first.
func (q *Queries) PriceHistorySince(ctx context.Context, instrumentID string, since time.Time) ([]PricePoint, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, instrument_id, ts, price, volume, reason
		FROM instrument_price_history
		WHERE instrument_id = ? AND ts >= ?
		ORDER BY ts ASC, `+q.seq()+` ASC
	`, instrumentID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var (
			p  PricePoint
			ts int64
		)
		if err := rows.Scan(&p.ID, &p.InstrumentID, &ts, &p.Price, &p.Volume, &p.Reason); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		p.Ts = fromMillis(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// EarliestPriceSince returns the first price at or after since.
func (q *Queries) EarliestPriceSince(ctx context.Context, instrumentID string, since time.Time) (float64, error) {
	var price float64
	err := q.q.QueryRowContext(ctx, `
		SELECT price FROM instrument_price_history
		WHERE instrument_id = ? AND ts >= ?
		ORDER BY ts ASC, `+q.seq()+` ASC
		LIMIT 1
	`, instrumentID, since.UnixMilli()).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query earliest price: %w", err)
	}
	return price, nil
}

// LatestPrice returns the most recent recorded price.
func (q *Queries) LatestPrice(ctx context.Context, instrumentID string) (float64, error) {
	var price float64
	err := q.q.QueryRowContext(ctx, `
		SELECT price FROM instrument_price_history
		WHERE instrument_id = ?
		ORDER BY ts DESC, `+q.seq()+` DESC
		LIMIT 1
	`, instrumentID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query latest price: %w", err)
	}
	return price, nil
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

const orderColumns = `id, player_uuid, instrument_id, side, qty, price, notional, fee, COALESCE(client_idempotency, ''), ts`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var (
		o    Order
		side string
		ts   int64
	)
	if err := row.Scan(&o.ID, &o.PlayerUUID, &o.InstrumentID, &side, &o.Qty, &o.Price,
		&o.Notional, &o.Fee, &o.IdempotencyKey, &ts); err != nil {
		return Order{}, err
	}
	o.Side = Side(side)
	o.Ts = fromMillis(ts)
	return o, nil
}

// InsertOrder appends an order. An empty idempotency key is stored as NULL so
// the uniqueness constraint only applies to keyed orders.
func (q *Queries) InsertOrder(ctx context.Context, o Order) error {
	if o.PlayerUUID == "" {
		return ErrPlayerRequired
	}
	var key sql.NullString
	if o.IdempotencyKey != "" {
		key = sql.NullString{String: o.IdempotencyKey, Valid: true}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (id, player_uuid, instrument_id, side, qty, price, notional, fee, client_idempotency, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.PlayerUUID, o.InstrumentID, string(o.Side), o.Qty, o.Price, o.Notional, o.Fee, key, o.Ts.UnixMilli())
	return err
}

// GetOrderByIdempotencyKey returns the order stored under key.
func (q *Queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	o, err := scanOrder(q.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_idempotency = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return o, nil
}

// GetOrdersByPlayer returns the most recent orders, newest first.
func (q *Queries) GetOrdersByPlayer(ctx context.Context, player string, limit int) ([]Order, error) {
	if player == "" {
		return nil, ErrPlayerRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE player_uuid = ?
		ORDER BY ts DESC, `+q.seq()+` DESC
		LIMIT ?
	`, player, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

// OrderLog returns a player's full order history, oldest first.
func (q *Queries) OrderLog(ctx context.Context, player string) ([]Order, error) {
	if player == "" {
		return nil, ErrPlayerRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE player_uuid = ?
		ORDER BY ts ASC, `+q.seq()+` ASC
	`, player)
	if err != nil {
		return nil, fmt.Errorf("query order log: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Player Universe
// ----------------------------------------

// LedgerPlayers returns the distinct players that appear in holdings or orders.
func (q *Queries) LedgerPlayers(ctx context.Context) ([]string, error) {
	return q.distinct(ctx, `
		SELECT player_uuid FROM user_holdings
		UNION
		SELECT player_uuid FROM orders
		ORDER BY 1
	`)
}

// PortfolioPlayers returns the distinct players with a wallet or a holding.
func (q *Queries) PortfolioPlayers(ctx context.Context) ([]string, error) {
	return q.distinct(ctx, `
		SELECT player_uuid FROM wallets
		UNION
		SELECT player_uuid FROM user_holdings
		ORDER BY 1
	`)
}

// PlayersWithHistorySince returns players with portfolio snapshots at or after since.
func (q *Queries) PlayersWithHistorySince(ctx context.Context, since time.Time) ([]string, error) {
	return q.distinct(ctx, `
		SELECT DISTINCT player_uuid FROM portfolio_history
		WHERE ts >= ?
		ORDER BY 1
	`, since.UnixMilli())
}

func (q *Queries) distinct(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	var players []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// ----------------------------------------
// Portfolio History Queries
// ----------------------------------------

// InsertPortfolioSnapshot appends a portfolio_history row.
func (q *Queries) InsertPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) error {
	if s.PlayerUUID == "" {
		return ErrPlayerRequired
	}
	_, err := q.q.ExecContext(ctx, InsertPortfolioSnapshotSQL,
		s.ID, s.PlayerUUID, s.Ts.UnixMilli(), s.TotalValue, s.CashBalance, s.HoldingsValue, s.CreatedAt.UnixMilli())
	return err
}

// InsertPortfolioSnapshotSQL is exported for batched writers.
const InsertPortfolioSnapshotSQL = `
	INSERT INTO portfolio_history (id, player_uuid, ts, total_value, cash_balance, holdings_value, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// PortfolioHistorySince returns a player's snapshots at or after since, oldest first.
func (q *Queries) PortfolioHistorySince(ctx context.Context, player string, since time.Time) ([]PortfolioSnapshot, error) {
	if player == "" {
		return nil, ErrPlayerRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, player_uuid, ts, total_value, cash_balance, holdings_value, created_at
		FROM portfolio_history
		WHERE player_uuid = ? AND ts >= ?
		ORDER BY ts ASC, `+q.seq()+` ASC
	`, player, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query portfolio history: %w", err)
	}
	defer rows.Close()

	var out []PortfolioSnapshot
	for rows.Next() {
		var (
			s             PortfolioSnapshot
			ts, createdAt int64
		)
		if err := rows.Scan(&s.ID, &s.PlayerUUID, &ts, &s.TotalValue, &s.CashBalance, &s.HoldingsValue, &createdAt); err != nil {
			return nil, fmt.Errorf("scan portfolio snapshot: %w", err)
		}
		s.Ts = fromMillis(ts)
		s.CreatedAt = fromMillis(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Audit Log Queries
// ----------------------------------------

// InsertAuditEntry appends an audit_log row.
func (q *Queries) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, player_uuid, instrument_id, action, expected_qty, actual_qty, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Ts.UnixMilli(), e.PlayerUUID, e.InstrumentID, e.Action, e.ExpectedQty, e.ActualQty, e.Details)
	return err
}

// ListAuditEntries returns the most recent audit entries, newest first.
func (q *Queries) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, ts, player_uuid, instrument_id, action, expected_qty, actual_qty, details
		FROM audit_log
		ORDER BY ts DESC, `+q.seq()+` DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.PlayerUUID, &e.InstrumentID, &e.Action, &e.ExpectedQty, &e.ActualQty, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Ts = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
