// Package ratelimit throttles trading per player: a maximum order size, a
// cooldown between trades and a cap on notional traded per clock minute.
// Buckets live in player_trade_limits so limits survive restarts.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-core/pkg/db"
	"market-core/pkg/i18n"
	"market-core/pkg/logger"
)

const (
	bucketSize = time.Minute
	retention  = time.Hour
)

// Config holds throttle limits. A zero limit disables that check.
type Config struct {
	MaxOrderQty          float64
	CooldownMs           int64
	MaxNotionalPerMinute float64
}

// Reason identifies which check rejected a trade.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonOrderTooLarge Reason = "ORDER_TOO_LARGE"
	ReasonCooldown      Reason = "COOLDOWN"
	ReasonMinuteLimit   Reason = "MINUTE_NOTIONAL"
)

// Decision is the outcome of ValidateTrade.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

// Service is the per-player trade throttle.
type Service struct {
	db     *db.Database
	logger *zap.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewService creates a throttle backed by the ledger store.
func NewService(database *db.Database, cfg Config, log *zap.Logger) *Service {
	return &Service{
		db:     database,
		cfg:    cfg,
		logger: logger.OrNop(log).Named("ratelimit"),
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetConfig returns a copy of the current limits.
func (s *Service) GetConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the limits used by subsequent checks.
func (s *Service) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// MinuteStart is the epoch-aligned bucket key for t.
func MinuteStart(t time.Time) int64 {
	ms := t.UnixMilli()
	return ms - ms%bucketSize.Milliseconds()
}

// ValidateTrade checks, in order, the order size cap, the cooldown and the
// current minute's notional budget. Store errors are returned as errors;
// rejections are returned as a Decision.
func (s *Service) ValidateTrade(ctx context.Context, player string, qty, notional float64) (Decision, error) {
	if player == "" {
		return Decision{}, db.ErrPlayerRequired
	}
	cfg := s.GetConfig()
	now := s.now()

	if cfg.MaxOrderQty > 0 && qty > cfg.MaxOrderQty {
		return Decision{
			Reason:  ReasonOrderTooLarge,
			Message: fmt.Sprintf(i18n.M().OrderTooLarge, i18n.Num(cfg.MaxOrderQty)),
		}, nil
	}

	q := s.db.Q()

	if cfg.CooldownMs > 0 {
		var last int64
		err := q.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(last_trade_ts), 0)
			FROM player_trade_limits
			WHERE player_uuid = ?
		`, player).Scan(&last)
		if err != nil {
			return Decision{}, fmt.Errorf("query last trade: %w", err)
		}
		if last > 0 {
			elapsed := now.UnixMilli() - last
			if elapsed < cfg.CooldownMs {
				wait := time.Duration(cfg.CooldownMs-elapsed) * time.Millisecond
				return Decision{
					Reason:     ReasonCooldown,
					Message:    fmt.Sprintf(i18n.M().TradeCooldown, wait.Seconds()),
					RetryAfter: wait,
				}, nil
			}
		}
	}

	if cfg.MaxNotionalPerMinute > 0 {
		used, err := s.bucketUsage(ctx, q, player, MinuteStart(now))
		if err != nil {
			return Decision{}, err
		}
		if used+notional > cfg.MaxNotionalPerMinute {
			bucketEnd := time.UnixMilli(MinuteStart(now)).Add(bucketSize)
			return Decision{
				Reason:     ReasonMinuteLimit,
				Message:    fmt.Sprintf(i18n.M().MinuteLimitReach, i18n.Num(cfg.MaxNotionalPerMinute), i18n.Num(used)),
				RetryAfter: bucketEnd.Sub(now),
			}, nil
		}
	}

	return allowed, nil
}

func (s *Service) bucketUsage(ctx context.Context, q db.Querier, player string, minute int64) (float64, error) {
	var used float64
	err := q.QueryRowContext(ctx, `
		SELECT notional_used FROM player_trade_limits
		WHERE player_uuid = ? AND minute_start = ?
	`, player, minute).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query trade bucket: %w", err)
	}
	return used, nil
}

// RecordTrade adds notional to the current minute bucket and prunes buckets
// older than an hour. It runs after the trade commits and is best effort.
func (s *Service) RecordTrade(ctx context.Context, player string, notional float64) error {
	if player == "" {
		return db.ErrPlayerRequired
	}
	now := s.now()
	minute := MinuteStart(now)

	return s.db.WithTx(ctx, func(q db.Querier) error {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO player_trade_limits (player_uuid, minute_start, notional_used, last_trade_ts)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(player_uuid, minute_start) DO UPDATE SET
				notional_used = player_trade_limits.notional_used + excluded.notional_used,
				last_trade_ts = excluded.last_trade_ts
		`, player, minute, notional, now.UnixMilli()); err != nil {
			return fmt.Errorf("upsert trade bucket: %w", err)
		}

		res, err := q.ExecContext(ctx, `
			DELETE FROM player_trade_limits
			WHERE player_uuid = ? AND minute_start < ?
		`, player, now.Add(-retention).UnixMilli())
		if err != nil {
			return fmt.Errorf("prune trade buckets: %w", err)
		}
		if n := db.RowsAffected(res); n > 0 {
			s.logger.Debug("pruned trade buckets", zap.String("player", player), zap.Int64("rows", n))
		}
		return nil
	})
}

// Usage returns the notional already used in the current minute.
func (s *Service) Usage(ctx context.Context, player string) (float64, error) {
	return s.bucketUsage(ctx, s.db.Q(), player, MinuteStart(s.now()))
}
