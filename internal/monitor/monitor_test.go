package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-core/internal/events"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *captureSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		h.Record(v)
	}

	stats := h.Stats()
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 20.0, stats.Min, "oldest sample falls out of the window")
	assert.Equal(t, 50.0, stats.Max)
	assert.InDelta(t, 35.0, stats.Avg, 1e-9)
	assert.Equal(t, 40.0, stats.P50)
}

func TestCountersAreNilSafe(t *testing.T) {
	var m *SystemMetrics
	assert.NotPanics(t, func() {
		m.IncExecuted()
		m.IncRejected()
		m.AddRepairs(3)
		m.IncAPI()
		NewTimer(nil).Stop()
	})
}

func TestSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncExecuted()
	m.IncExecuted()
	m.IncCached()
	m.IncRejected()
	m.IncCASConflicts()
	m.AddRepairs(2)
	m.TradeLatency.RecordDuration(3 * time.Millisecond)

	snap := m.GetSnapshot()
	assert.EqualValues(t, 2, snap.Executed)
	assert.EqualValues(t, 1, snap.Cached)
	assert.EqualValues(t, 1, snap.Rejected)
	assert.EqualValues(t, 1, snap.CASConflicts)
	assert.EqualValues(t, 2, snap.Repairs)
	assert.Equal(t, 1, snap.TradeLatency.Count)
	assert.InDelta(t, 3.0, snap.TradeLatency.Avg, 1e-6)
}

func TestMonitorAlertsOnRepair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &captureSink{}
	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventHoldingRepaired, events.Repair{
		PlayerUUID: "p1", InstrumentID: "acme", ExpectedQty: 12, ActualQty: 0,
	})

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	msg := sink.all()[0]
	assert.True(t, strings.Contains(msg, "player=p1 instrument=acme qty 0 -> 12"), msg)
}

func TestMonitorAlertsOnlyOnVersionConflicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &captureSink{}
	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventOrderRejected, events.Rejection{PlayerUUID: "p1", Code: "INSUFFICIENT_FUNDS"})
	bus.Publish(events.EventOrderRejected, events.Rejection{
		PlayerUUID: "p2", InstrumentID: "acme", Side: "SELL", Qty: 3, Code: casRejection,
	})

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.all()[0], "version conflict: player=p2 instrument=acme side=SELL qty 3")
}
