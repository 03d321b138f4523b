// Package holdings maintains player positions. Every write is a compare-and-set
// on the row's version column; a lost race is reported to the caller, never
// retried here.
package holdings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// Epsilon absorbs float noise when comparing quantities.
const Epsilon = 1e-9

var (
	// ErrInvalidQty is returned for non-positive quantities or prices.
	ErrInvalidQty = errors.New("quantity and price must be positive")
)

// Position is a holding joined with the instrument's live price.
type Position struct {
	InstrumentID  string  `json:"instrument_id"`
	Symbol        string  `json:"symbol"`
	DisplayName   string  `json:"display_name"`
	Qty           float64 `json:"qty"`
	AvgCost       float64 `json:"avg_cost"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPercent    float64 `json:"pnl_percent"`
	Version       int64   `json:"version"`
}

// Snapshot is the (qty, version) baseline read before a versioned write.
type Snapshot struct {
	Qty     float64
	AvgCost float64
	Version int64
	Exists  bool
}

// Service manages user_holdings.
type Service struct {
	db     *db.Database
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a holdings service.
func NewService(database *db.Database, log *zap.Logger) *Service {
	return &Service{db: database, logger: logger.OrNop(log).Named("holdings"), now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetHoldings returns the player's open positions valued at the last price.
func (s *Service) GetHoldings(ctx context.Context, player string) ([]Position, error) {
	if player == "" {
		return nil, db.ErrPlayerRequired
	}
	rows, err := s.db.Q().QueryContext(ctx, `
		SELECT h.instrument_id, COALESCE(i.symbol, h.instrument_id), COALESCE(i.display_name, ''),
		       h.qty, h.avg_cost, h.version, COALESCE(st.last_price, 0)
		FROM user_holdings h
		LEFT JOIN instruments i ON i.id = h.instrument_id
		LEFT JOIN instrument_state st ON st.instrument_id = h.instrument_id
		WHERE h.player_uuid = ? AND h.qty > 0
		ORDER BY h.instrument_id
	`, player)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.InstrumentID, &p.Symbol, &p.DisplayName, &p.Qty, &p.AvgCost, &p.Version, &p.CurrentPrice); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		p.MarketValue = p.Qty * p.CurrentPrice
		p.UnrealizedPnL = p.Qty * (p.CurrentPrice - p.AvgCost)
		if p.AvgCost > 0 {
			p.PnLPercent = (p.CurrentPrice - p.AvgCost) / p.AvgCost * 100
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPortfolioValue is the sum of qty * last price over all holdings.
func (s *Service) GetPortfolioValue(ctx context.Context, player string) (float64, error) {
	if player == "" {
		return 0, db.ErrPlayerRequired
	}
	var total float64
	err := s.db.Q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(h.qty * COALESCE(st.last_price, 0)), 0)
		FROM user_holdings h
		LEFT JOIN instrument_state st ON st.instrument_id = h.instrument_id
		WHERE h.player_uuid = ?
	`, player).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query portfolio value: %w", err)
	}
	return total, nil
}

// Get returns the raw holding row.
func (s *Service) Get(ctx context.Context, player, instrumentID string) (db.Holding, error) {
	return getHolding(ctx, s.db.Q(), player, instrumentID)
}

func getHolding(ctx context.Context, q db.Querier, player, instrumentID string) (db.Holding, error) {
	h := db.Holding{PlayerUUID: player, InstrumentID: instrumentID}
	var updatedAt int64
	err := q.QueryRowContext(ctx, `
		SELECT qty, avg_cost, version, updated_at
		FROM user_holdings
		WHERE player_uuid = ? AND instrument_id = ?
	`, player, instrumentID).Scan(&h.Qty, &h.AvgCost, &h.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Holding{}, db.ErrNotFound
	}
	if err != nil {
		return db.Holding{}, fmt.Errorf("query holding: %w", err)
	}
	if updatedAt > 0 {
		h.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return h, nil
}

// GetHoldingWithLock reads the CAS baseline inside the caller's transaction.
// A missing row is a zero snapshot with Exists=false.
func (s *Service) GetHoldingWithLock(ctx context.Context, q db.Querier, player, instrumentID string) (Snapshot, error) {
	h, err := getHolding(ctx, q, player, instrumentID)
	if errors.Is(err, db.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Qty: h.Qty, AvgCost: h.AvgCost, Version: h.Version, Exists: true}, nil
}

// AddHoldingWithVersioning adds qty bought at price, recomputing the weighted
// average cost. It returns false when another writer got there first.
func (s *Service) AddHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty, price float64) (bool, error) {
	if player == "" {
		return false, db.ErrPlayerRequired
	}
	if qty <= 0 || price <= 0 {
		return false, ErrInvalidQty
	}
	snap, err := s.GetHoldingWithLock(ctx, q, player, instrumentID)
	if err != nil {
		return false, err
	}
	return s.AddFromSnapshot(ctx, q, player, instrumentID, qty, price, snap)
}

// AddFromSnapshot performs the versioned add against a baseline read earlier in
// the same transaction.
func (s *Service) AddFromSnapshot(ctx context.Context, q db.Querier, player, instrumentID string, qty, price float64, snap Snapshot) (bool, error) {
	now := s.now().UnixMilli()

	if !snap.Exists {
		_, err := q.ExecContext(ctx, `
			INSERT INTO user_holdings (player_uuid, instrument_id, qty, avg_cost, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
		`, player, instrumentID, qty, price, now)
		if db.IsUniqueViolation(err) {
			s.logger.Warn("holding insert lost race", zap.String("player", player), zap.String("instrument", instrumentID))
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("insert holding: %w", err)
		}
		return true, nil
	}

	newQty := snap.Qty + qty
	avgCost := price
	if snap.Qty > Epsilon {
		avgCost = (snap.Qty*snap.AvgCost + qty*price) / newQty
	}
	res, err := q.ExecContext(ctx, `
		UPDATE user_holdings
		SET qty = ?, avg_cost = ?, version = version + 1, updated_at = ?
		WHERE player_uuid = ? AND instrument_id = ? AND version = ?
	`, newQty, avgCost, now, player, instrumentID, snap.Version)
	if err != nil {
		return false, fmt.Errorf("update holding: %w", err)
	}
	if db.RowsAffected(res) != 1 {
		s.logger.Warn("holding version conflict",
			zap.String("player", player), zap.String("instrument", instrumentID), zap.Int64("version", snap.Version))
		return false, nil
	}
	return true, nil
}

// RemoveHoldingWithVersioning subtracts qty if the row is still at
// expectedVersion and holds at least qty. Both conditions are part of one
// conditional UPDATE. Average cost is unchanged; an emptied position is kept
// at qty 0 so its version keeps counting up.
func (s *Service) RemoveHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty float64, expectedVersion int64) (bool, error) {
	if player == "" {
		return false, db.ErrPlayerRequired
	}
	if qty <= 0 {
		return false, ErrInvalidQty
	}
	res, err := q.ExecContext(ctx, `
		UPDATE user_holdings
		SET qty = CASE WHEN qty - ? < ? THEN 0 ELSE qty - ? END,
		    version = version + 1,
		    updated_at = ?
		WHERE player_uuid = ? AND instrument_id = ? AND version = ? AND qty + ? >= ?
	`, qty, Epsilon, qty, s.now().UnixMilli(), player, instrumentID, expectedVersion, Epsilon, qty)
	if err != nil {
		return false, fmt.Errorf("remove holding: %w", err)
	}
	return db.RowsAffected(res) == 1, nil
}

// SetQty overwrites a holding's quantity, bumping the version. Used by audit
// repair; avgCost is only written when the row has to be created.
func (s *Service) SetQty(ctx context.Context, q db.Querier, player, instrumentID string, qty, avgCostIfNew float64) error {
	if player == "" {
		return db.ErrPlayerRequired
	}
	if qty < 0 {
		qty = 0
	}
	now := s.now().UnixMilli()
	res, err := q.ExecContext(ctx, `
		UPDATE user_holdings
		SET qty = ?, version = version + 1, updated_at = ?
		WHERE player_uuid = ? AND instrument_id = ?
	`, qty, now, player, instrumentID)
	if err != nil {
		return fmt.Errorf("set holding qty: %w", err)
	}
	if db.RowsAffected(res) == 1 {
		return nil
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO user_holdings (player_uuid, instrument_id, qty, avg_cost, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, player, instrumentID, qty, avgCostIfNew, now)
	if err != nil {
		return fmt.Errorf("insert holding: %w", err)
	}
	return nil
}

// ActualQuantities returns qty per instrument for a player, including
// zeroed rows.
func (s *Service) ActualQuantities(ctx context.Context, player string) (map[string]float64, error) {
	rows, err := s.db.Q().QueryContext(ctx, `
		SELECT instrument_id, qty FROM user_holdings WHERE player_uuid = ?
	`, player)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			id  string
			qty float64
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out[id] = qty
	}
	return out, rows.Err()
}
