// Package analytics derives market and portfolio statistics from stored
// history. Nothing is cached: every call folds the rows it reads, and short or
// missing series produce neutral zeros rather than errors.
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-core/internal/indicators"
	"market-core/pkg/db"
	"market-core/pkg/logger"
)

const (
	smaPeriod = 20
	rsiPeriod = 14
)

// Config holds analytics defaults used when a caller passes zero.
type Config struct {
	Lambda           float64
	WindowMinutes    int
	SharpeWindowDays int
	RiskFreeAnnual   float64
}

// DefaultConfig mirrors the RiskMetrics lambda and a one-day window.
func DefaultConfig() Config {
	return Config{
		Lambda:           indicators.DefaultLambda,
		WindowMinutes:    1440,
		SharpeWindowDays: 30,
		RiskFreeAnnual:   0.02,
	}
}

// Service computes analytics on demand.
type Service struct {
	db     *db.Database
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an analytics service.
func NewService(database *db.Database, cfg Config, log *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = def.WindowMinutes
	}
	if cfg.SharpeWindowDays <= 0 {
		cfg.SharpeWindowDays = def.SharpeWindowDays
	}
	if cfg.Lambda <= 0 || cfg.Lambda >= 1 {
		cfg.Lambda = def.Lambda
	}
	return &Service{db: database, cfg: cfg, logger: logger.OrNop(log).Named("analytics"), now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective defaults.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) window(minutes int) time.Time {
	if minutes <= 0 {
		minutes = s.cfg.WindowMinutes
	}
	return s.now().Add(-time.Duration(minutes) * time.Minute)
}

func (s *Service) prices(ctx context.Context, instrumentID string, windowMinutes int) ([]float64, error) {
	points, err := s.db.Queries().PriceHistorySince(ctx, instrumentID, s.window(windowMinutes))
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Price
	}
	return out, nil
}

// GetChangePct is (current-old)/old where old is the earliest price inside
// the window and current the latest recorded price.
func (s *Service) GetChangePct(ctx context.Context, instrumentID string, windowMinutes int) (float64, error) {
	q := s.db.Queries()
	old, err := q.EarliestPriceSince(ctx, instrumentID, s.window(windowMinutes))
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	current, err := q.LatestPrice(ctx, instrumentID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return indicators.ChangePct(old, current), nil
}

// GetVolatilityEWMA folds the window's consecutive returns into an EWMA
// variance and returns its square root.
func (s *Service) GetVolatilityEWMA(ctx context.Context, instrumentID string, windowMinutes int, lambda float64) (float64, error) {
	if lambda <= 0 || lambda >= 1 {
		lambda = s.cfg.Lambda
	}
	prices, err := s.prices(ctx, instrumentID, windowMinutes)
	if err != nil {
		return 0, err
	}
	ewma := indicators.NewEWMA(lambda)
	for _, r := range indicators.Returns(prices) {
		ewma.Add(r)
	}
	return ewma.Volatility(), nil
}

// GetCorrelation is the Pearson correlation of the two instruments' returns
// over the window, 0 with fewer than two paired returns. A step out of a
// non-positive price drops only its own pair.
func (s *Service) GetCorrelation(ctx context.Context, a, b string, windowMinutes int) (float64, error) {
	pa, err := s.prices(ctx, a, windowMinutes)
	if err != nil {
		return 0, err
	}
	pb, err := s.prices(ctx, b, windowMinutes)
	if err != nil {
		return 0, err
	}
	corr, _ := indicators.Correlate(indicators.StepReturns(pa), indicators.StepReturns(pb))
	return corr, nil
}

// InstrumentAnalytics is the per-instrument summary served by the API.
type InstrumentAnalytics struct {
	InstrumentID  string  `json:"instrument_id"`
	WindowMinutes int     `json:"window_minutes"`
	Samples       int     `json:"samples"`
	ChangePct     float64 `json:"change_pct"`
	Volatility    float64 `json:"volatility"`
	SMA           float64 `json:"sma"`
	RSI           float64 `json:"rsi"`
}

// GetInstrumentAnalytics bundles change, volatility and the moving average
// and RSI of the window's prices.
func (s *Service) GetInstrumentAnalytics(ctx context.Context, instrumentID string, windowMinutes int) (InstrumentAnalytics, error) {
	if windowMinutes <= 0 {
		windowMinutes = s.cfg.WindowMinutes
	}
	out := InstrumentAnalytics{InstrumentID: instrumentID, WindowMinutes: windowMinutes}

	prices, err := s.prices(ctx, instrumentID, windowMinutes)
	if err != nil {
		return out, err
	}
	out.Samples = len(prices)
	if out.ChangePct, err = s.GetChangePct(ctx, instrumentID, windowMinutes); err != nil {
		return out, err
	}
	ewma := indicators.NewEWMA(s.cfg.Lambda)
	for _, r := range indicators.Returns(prices) {
		ewma.Add(r)
	}
	out.Volatility = ewma.Volatility()
	out.SMA = indicators.SMA(prices, smaPeriod)
	out.RSI = indicators.RSI(prices, rsiPeriod)
	return out, nil
}

// ReturnStats is the aggregate Sharpe is computed from.
type ReturnStats struct {
	AvgReturn    float64 `json:"avg_return"`
	StdDevReturn float64 `json:"stddev_return"`
	Count        int     `json:"count"`
}

// GetReturnStats folds the returns between consecutive portfolio snapshots in
// the trailing window.
func (s *Service) GetReturnStats(ctx context.Context, player string, windowDays int) (ReturnStats, error) {
	if windowDays <= 0 {
		windowDays = s.cfg.SharpeWindowDays
	}
	since := s.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	history, err := s.db.Queries().PortfolioHistorySince(ctx, player, since)
	if err != nil {
		return ReturnStats{}, err
	}
	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.TotalValue
	}
	var w indicators.Welford
	for _, r := range indicators.Returns(values) {
		w.Add(r)
	}
	return ReturnStats{AvgReturn: w.Mean(), StdDevReturn: w.StdDev(), Count: w.Count()}, nil
}

// GetSharpe is (avgReturn - riskFreeAnnual/365) / stdDevReturn, 0 when there
// is no data or no dispersion.
func (s *Service) GetSharpe(ctx context.Context, player string, windowDays int, riskFreeAnnual float64) (float64, error) {
	stats, err := s.GetReturnStats(ctx, player, windowDays)
	if err != nil {
		return 0, err
	}
	return sharpe(stats, riskFreeAnnual), nil
}

func sharpe(stats ReturnStats, riskFreeAnnual float64) float64 {
	if stats.Count == 0 || stats.StdDevReturn == 0 {
		return 0
	}
	return (stats.AvgReturn - riskFreeAnnual/365) / stats.StdDevReturn
}

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank       int     `json:"rank"`
	PlayerUUID string  `json:"player_uuid"`
	Sharpe     float64 `json:"sharpe"`
	Samples    int     `json:"samples"`
}

// GetSharpeLeaderboard ranks players with history in the default window by
// Sharpe, highest first.
func (s *Service) GetSharpeLeaderboard(ctx context.Context, limit int, riskFreeAnnual float64) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	since := s.now().Add(-time.Duration(s.cfg.SharpeWindowDays) * 24 * time.Hour)
	players, err := s.db.Queries().PlayersWithHistorySince(ctx, since)
	if err != nil {
		return nil, err
	}

	board := make([]LeaderboardEntry, 0, len(players))
	for _, p := range players {
		stats, err := s.GetReturnStats(ctx, p, s.cfg.SharpeWindowDays)
		if err != nil {
			s.logger.Warn("skipping player in leaderboard", zap.String("player", p), zap.Error(err))
			continue
		}
		board = append(board, LeaderboardEntry{PlayerUUID: p, Sharpe: sharpe(stats, riskFreeAnnual), Samples: stats.Count})
	}
	sort.SliceStable(board, func(i, j int) bool {
		if board[i].Sharpe != board[j].Sharpe {
			return board[i].Sharpe > board[j].Sharpe
		}
		return board[i].PlayerUUID < board[j].PlayerUUID
	})
	if len(board) > limit {
		board = board[:limit]
	}
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, nil
}

// RecordPortfolioValue appends one portfolio_history row.
func (s *Service) RecordPortfolioValue(ctx context.Context, player string, totalValue, cash, holdingsValue float64) error {
	now := s.now()
	return s.db.Queries().InsertPortfolioSnapshot(ctx, db.PortfolioSnapshot{
		ID:            uuid.NewString(),
		PlayerUUID:    player,
		Ts:            now,
		TotalValue:    totalValue,
		CashBalance:   cash,
		HoldingsValue: holdingsValue,
		CreatedAt:     now,
	})
}
