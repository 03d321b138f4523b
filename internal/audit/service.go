// Package audit reconciles materialized holdings against the order log.
//
// The expected position for every (player, instrument) is a fold over the
// player's immutable orders; user_holdings is only trusted when it agrees.
package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"market-core/internal/events"
	"market-core/internal/holdings"
	"market-core/internal/monitor"
	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// ActionRepair is the audit_log action written for a holding overwrite.
const ActionRepair = "REPAIR_QTY"

// Config holds the dependencies and sweep settings.
type Config struct {
	DB         *db.Database
	Holdings   *holdings.Service
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Logger     *zap.Logger
	Interval   time.Duration
	AutoRepair bool
	Workers    int
}

// Service audits holdings on demand and on a schedule.
type Service struct {
	db       *db.Database
	holdings *holdings.Service
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	logger   *zap.Logger
	interval time.Duration
	workers  int
	now      func() time.Time

	mu         sync.Mutex
	autoRepair bool
}

// Discrepancy is one position whose stored quantity disagrees with the log.
type Discrepancy struct {
	InstrumentID string  `json:"instrument_id"`
	ExpectedQty  float64 `json:"expected_qty"`
	ActualQty    float64 `json:"actual_qty"`
	Difference   float64 `json:"difference"` // actual - expected
	Repaired     bool    `json:"repaired"`
}

// PlayerReport is the audit result for one player.
type PlayerReport struct {
	PlayerUUID     string        `json:"player_uuid"`
	Timestamp      time.Time     `json:"timestamp"`
	Discrepancies  []Discrepancy `json:"discrepancies"`
	RepairsApplied int           `json:"repairs_applied"`
}

// HasIssues reports whether any discrepancy was found.
func (r *PlayerReport) HasIssues() bool { return len(r.Discrepancies) > 0 }

// SweepReport aggregates an audit over every player.
type SweepReport struct {
	Timestamp           time.Time       `json:"timestamp"`
	TotalPlayersChecked int             `json:"total_players_checked"`
	PlayersWithIssues   int             `json:"players_with_issues"`
	TotalDiscrepancies  int             `json:"total_discrepancies"`
	TotalRepairs        int             `json:"total_repairs"`
	Failures            int             `json:"failures"`
	Players             []*PlayerReport `json:"players,omitempty"` // only players with issues
	Duration            time.Duration   `json:"duration"`
}

// NewService creates an auditor.
func NewService(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Service{
		db:         cfg.DB,
		holdings:   cfg.Holdings,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     logger.OrNop(cfg.Logger).Named("audit"),
		interval:   cfg.Interval,
		workers:    cfg.Workers,
		autoRepair: cfg.AutoRepair,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetAutoRepair toggles repair for scheduled sweeps.
func (s *Service) SetAutoRepair(enabled bool) {
	s.mu.Lock()
	s.autoRepair = enabled
	s.mu.Unlock()
	s.logger.Info("audit auto-repair changed", zap.Bool("enabled", enabled))
}

func (s *Service) autoRepairEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRepair
}

// position is the replayed state of one instrument.
type position struct {
	qty     float64
	avgCost float64
}

// replay folds the order log the same way trades update holdings: buys
// re-average the cost, sells leave it, an emptied position forgets it.
func replay(orders []db.Order) map[string]position {
	out := make(map[string]position)
	for _, o := range orders {
		p := out[o.InstrumentID]
		switch o.Side {
		case db.SideBuy:
			newQty := p.qty + o.Qty
			if p.qty > holdings.Epsilon && newQty > 0 {
				p.avgCost = (p.qty*p.avgCost + o.Qty*o.Price) / newQty
			} else {
				p.avgCost = o.Price
			}
			p.qty = newQty
		case db.SideSell:
			p.qty -= o.Qty
			if math.Abs(p.qty) < holdings.Epsilon {
				p.qty = 0
			}
		}
		out[o.InstrumentID] = p
	}
	return out
}

// AuditPlayerHoldings compares the replayed order log with user_holdings. With
// repair set, each mismatching row is overwritten with the expected quantity
// and an audit_log entry in its own transaction.
func (s *Service) AuditPlayerHoldings(ctx context.Context, player string, repair bool) (*PlayerReport, error) {
	if player == "" {
		return nil, db.ErrPlayerRequired
	}
	orders, err := s.db.Queries().OrderLog(ctx, player)
	if err != nil {
		return nil, err
	}
	expected := replay(orders)
	actual, err := s.holdings.ActualQuantities(ctx, player)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(expected)+len(actual))
	for id := range expected {
		ids = append(ids, id)
	}
	for id := range actual {
		if _, ok := expected[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	report := &PlayerReport{PlayerUUID: player, Timestamp: s.now(), Discrepancies: []Discrepancy{}}
	for _, id := range ids {
		want, have := expected[id], actual[id]
		if math.Abs(have-want.qty) <= holdings.Epsilon {
			continue
		}
		d := Discrepancy{
			InstrumentID: id,
			ExpectedQty:  want.qty,
			ActualQty:    have,
			Difference:   have - want.qty,
		}
		if repair {
			if err := s.repair(ctx, player, d, want.avgCost); err != nil {
				s.logger.Error("holding repair failed",
					zap.String("player", player), zap.String("instrument", id), zap.Error(err))
			} else {
				d.Repaired = true
				report.RepairsApplied++
			}
		}
		report.Discrepancies = append(report.Discrepancies, d)
	}

	if report.HasIssues() {
		s.logger.Warn("holding discrepancies",
			zap.String("player", player),
			zap.Int("count", len(report.Discrepancies)),
			zap.Int("repaired", report.RepairsApplied))
	}
	s.metrics.AddRepairs(report.RepairsApplied)
	return report, nil
}

func (s *Service) repair(ctx context.Context, player string, d Discrepancy, avgCost float64) error {
	now := s.now()
	err := s.db.WithTx(ctx, func(q db.Querier) error {
		if err := s.holdings.SetQty(ctx, q, player, d.InstrumentID, d.ExpectedQty, avgCost); err != nil {
			return err
		}
		return db.NewQueries(q).InsertAuditEntry(ctx, db.AuditEntry{
			ID:           uuid.NewString(),
			Ts:           now,
			PlayerUUID:   player,
			InstrumentID: d.InstrumentID,
			Action:       ActionRepair,
			ExpectedQty:  d.ExpectedQty,
			ActualQty:    d.ActualQty,
			Details:      fmt.Sprintf("qty %g -> %g", d.ActualQty, d.ExpectedQty),
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("holding repaired",
		zap.String("player", player), zap.String("instrument", d.InstrumentID),
		zap.Float64("from", d.ActualQty), zap.Float64("to", d.ExpectedQty))
	if s.bus != nil {
		s.bus.Publish(events.EventHoldingRepaired, events.Repair{
			PlayerUUID:   player,
			InstrumentID: d.InstrumentID,
			ExpectedQty:  d.ExpectedQty,
			ActualQty:    d.ActualQty,
			Ts:           now,
		})
	}
	return nil
}

// AuditAllHoldings audits every player that appears in holdings or orders,
// fanning out over a bounded worker pool. A failing player is logged and
// counted, the sweep carries on.
func (s *Service) AuditAllHoldings(ctx context.Context, repair bool) (*SweepReport, error) {
	start := time.Now()
	players, err := s.db.Queries().LedgerPlayers(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("create audit pool: %w", err)
	}
	defer pool.Release()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sweep  = &SweepReport{Timestamp: s.now()}
		reduce = func(player string, r *PlayerReport, err error) {
			mu.Lock()
			defer mu.Unlock()
			sweep.TotalPlayersChecked++
			if err != nil {
				sweep.Failures++
				s.logger.Error("player audit failed", zap.String("player", player), zap.Error(err))
				return
			}
			if r.HasIssues() {
				sweep.PlayersWithIssues++
				sweep.TotalDiscrepancies += len(r.Discrepancies)
				sweep.TotalRepairs += r.RepairsApplied
				sweep.Players = append(sweep.Players, r)
			}
		}
	)

	for _, p := range players {
		player := p
		wg.Add(1)
		task := func() {
			defer wg.Done()
			r, err := s.AuditPlayerHoldings(ctx, player, repair)
			reduce(player, r, err)
		}
		if err := pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	sort.Slice(sweep.Players, func(i, j int) bool {
		return sweep.Players[i].PlayerUUID < sweep.Players[j].PlayerUUID
	})
	sweep.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.AuditLatency.RecordDuration(sweep.Duration)
	}
	return sweep, nil
}

// Start runs a sweep every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.AuditAllHoldings(ctx, s.autoRepairEnabled())
				if err != nil {
					s.logger.Error("audit sweep failed", zap.Error(err))
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("audit sweep scheduled",
		zap.Duration("interval", s.interval), zap.Bool("auto_repair", s.autoRepairEnabled()))
}

func (s *Service) handleReport(r *SweepReport) {
	if r.PlayersWithIssues == 0 && r.Failures == 0 {
		s.logger.Info("audit sweep clean", zap.Int("players", r.TotalPlayersChecked), zap.Duration("took", r.Duration))
		return
	}
	s.logger.Warn("audit sweep found issues",
		zap.Int("players", r.TotalPlayersChecked),
		zap.Int("players_with_issues", r.PlayersWithIssues),
		zap.Int("discrepancies", r.TotalDiscrepancies),
		zap.Int("repairs", r.TotalRepairs),
		zap.Int("failures", r.Failures))
}

// ListAuditLog returns the most recent repairs, newest first. limit defaults
// to 100 and is capped at 1000.
func (s *Service) ListAuditLog(ctx context.Context, limit int) ([]db.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.db.Queries().ListAuditEntries(ctx, limit)
}
