package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-core/internal/persistence"
	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// Valuer prices a player's holdings.
type Valuer interface {
	GetPortfolioValue(ctx context.Context, player string) (float64, error)
}

// Balances reads cash.
type Balances interface {
	GetBalance(ctx context.Context, player string) (float64, error)
}

// Snapshotter periodically appends a portfolio_history row for every player
// with a wallet or holdings. Rows go through the batch writer.
type Snapshotter struct {
	db       *db.Database
	holdings Valuer
	wallet   Balances
	writer   *persistence.BatchWriter
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSnapshotter creates a snapshotter. interval <= 0 defaults to 5 minutes.
func NewSnapshotter(database *db.Database, holdings Valuer, wallet Balances, writer *persistence.BatchWriter, interval time.Duration, log *zap.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Snapshotter{
		db:       database,
		holdings: holdings,
		wallet:   wallet,
		writer:   writer,
		interval: interval,
		logger:   logger.OrNop(log).Named("snapshotter"),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Snapshotter) WithClock(now func() time.Time) *Snapshotter {
	s.now = now
	return s
}

// Start runs RunOnce on every tick until ctx is done.
func (s *Snapshotter) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("portfolio snapshot round failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunOnce values every player and flushes the batch. It returns the number of
// snapshots written. A player that cannot be valued is skipped.
func (s *Snapshotter) RunOnce(ctx context.Context) (int, error) {
	players, err := s.db.Queries().PortfolioPlayers(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	written := 0
	for _, p := range players {
		cash, err := s.wallet.GetBalance(ctx, p)
		if err != nil {
			s.logger.Warn("read balance for snapshot", zap.String("player", p), zap.Error(err))
			continue
		}
		value, err := s.holdings.GetPortfolioValue(ctx, p)
		if err != nil {
			s.logger.Warn("value holdings for snapshot", zap.String("player", p), zap.Error(err))
			continue
		}
		err = s.writer.WriteQuery(ctx, db.InsertPortfolioSnapshotSQL,
			uuid.NewString(), p, now.UnixMilli(), cash+value, cash, value, now.UnixMilli())
		if err != nil {
			return written, err
		}
		written++
	}
	if err := s.writer.Flush(ctx); err != nil {
		return written, err
	}
	s.logger.Debug("portfolio snapshots written", zap.Int("players", written))
	return written, nil
}
