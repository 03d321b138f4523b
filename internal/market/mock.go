package market

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// MockFeed random-walks every listed instrument for local development.
type MockFeed struct {
	Registry *Registry
	Step     float64 // max fractional move per tick
	Interval time.Duration
	Logger   *zap.Logger
}

// Start ticks until ctx is cancelled.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Registry == nil {
		return
	}
	if m.Step == 0 {
		m.Step = 0.01
	}
	if m.Interval == 0 {
		m.Interval = 5 * time.Second
	}
	log := m.Logger
	if log == nil {
		log = m.Registry.logger
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Warn("mock feed tick", zap.Error(err))
				}
			}
		}
	}()
}

// Tick moves every priced instrument once.
func (m *MockFeed) Tick(ctx context.Context) error {
	listings, err := m.Registry.ListInstruments(ctx)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if l.State.LastPrice <= 0 {
			continue
		}
		price := l.State.LastPrice * (1 + (rand.Float64()*2-1)*m.Step)
		if price <= 0 {
			continue
		}
		volume := rand.Float64() * 100
		if err := m.Registry.RecordPrice(ctx, l.ID, price, volume, ReasonTick); err != nil {
			return err
		}
	}
	return nil
}
