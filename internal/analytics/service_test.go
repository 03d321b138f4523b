package analytics

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-core/internal/holdings"
	"market-core/internal/indicators"
	"market-core/internal/persistence"
	"market-core/internal/wallet"
	"market-core/pkg/db"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestAnalytics(t *testing.T) (*Service, *db.Database, *fakeClock) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	clock := &fakeClock{t: base}
	return NewService(database, Config{}, nil).WithClock(clock.Now), database, clock
}

// seedPrices writes one price per minute ending at the clock.
func seedPrices(t *testing.T, database *db.Database, clock *fakeClock, id string, prices ...float64) {
	t.Helper()
	ctx := context.Background()
	q := database.Queries()
	start := clock.t.Add(-time.Duration(len(prices)-1) * time.Minute)
	for i, p := range prices {
		require.NoError(t, q.InsertPricePoint(ctx, db.PricePoint{
			ID:           fmt.Sprintf("%s-%d", id, i),
			InstrumentID: id,
			Ts:           start.Add(time.Duration(i) * time.Minute),
			Price:        p,
			Reason:       "TICK",
		}))
	}
}

func TestGetChangePct(t *testing.T) {
	s, database, clock := newTestAnalytics(t)
	ctx := context.Background()

	change, err := s.GetChangePct(ctx, "NONE", 60)
	require.NoError(t, err)
	assert.Zero(t, change)

	seedPrices(t, database, clock, "ACME", 80, 100, 105, 110)

	change, err = s.GetChangePct(ctx, "ACME", 60)
	require.NoError(t, err)
	assert.InDelta(t, 0.375, change, 1e-12)

	// the earliest row inside a 2 minute window is 100
	change, err = s.GetChangePct(ctx, "ACME", 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, change, 1e-12)
}

func TestVolatilityCalmSeries(t *testing.T) {
	s, database, clock := newTestAnalytics(t)
	seedPrices(t, database, clock, "FLAT", 50, 50, 50, 50, 50, 50)

	vol, err := s.GetVolatilityEWMA(context.Background(), "FLAT", 60, 0.94)
	require.NoError(t, err)
	assert.InDelta(t, 0, vol, 1e-12)

	vol, err = s.GetVolatilityEWMA(context.Background(), "EMPTY", 60, 0.94)
	require.NoError(t, err)
	assert.Zero(t, vol)
}

func TestVolatilitySpikeDecays(t *testing.T) {
	s, database, clock := newTestAnalytics(t)
	ctx := context.Background()
	const lambda = 0.9

	seedPrices(t, database, clock, "SPK", 100, 100, 100, 150)
	spike, err := s.GetVolatilityEWMA(ctx, "SPK", 60, lambda)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt((1-lambda)*0.25), spike, 1e-12)

	prev := spike * spike
	for i := 1; i <= 3; i++ {
		clock.t = clock.t.Add(time.Minute)
		require.NoError(t, database.Queries().InsertPricePoint(ctx, db.PricePoint{
			ID: fmt.Sprintf("calm-%d", i), InstrumentID: "SPK", Ts: clock.t, Price: 150, Reason: "TICK",
		}))
		vol, err := s.GetVolatilityEWMA(ctx, "SPK", 60, lambda)
		require.NoError(t, err)
		assert.InDelta(t, lambda, vol*vol/prev, 1e-9, "variance decays by lambda per calm step")
		prev = vol * vol
	}
}

func TestGetCorrelation(t *testing.T) {
	s, database, clock := newTestAnalytics(t)
	ctx := context.Background()

	a := []float64{10, 11, 10.5, 12, 11.2, 13, 12.4}
	b := make([]float64, len(a))
	for i, v := range a {
		b[i] = 3 * v
	}
	seedPrices(t, database, clock, "A", a...)
	seedPrices(t, database, clock, "B", b...)
	seedPrices(t, database, clock, "ONE", 5, 6)

	corr, err := s.GetCorrelation(ctx, "A", "B", 60)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, corr, 1e-9)

	corr, err = s.GetCorrelation(ctx, "A", "ONE", 60)
	require.NoError(t, err)
	assert.Zero(t, corr, "a single paired return is not enough")
}

func TestGetCorrelationKeepsPairsAfterGap(t *testing.T) {
	s, database, clock := newTestAnalytics(t)

	// GAP steps out of a zero price once; every later step still pairs with
	// the same step of FULL.
	seedPrices(t, database, clock, "GAP", 10, 11, 0, 12, 13.2, 11.88, 13.068)
	seedPrices(t, database, clock, "FULL", 30, 33, 33, 36, 39.6, 35.64, 39.204)

	want, n := indicators.Correlate(
		[]float64{0.1, -1, 0.1, -0.1, 0.1},
		[]float64{0.1, 0, 0.1, -0.1, 0.1},
	)
	require.Equal(t, 5, n)

	corr, err := s.GetCorrelation(context.Background(), "GAP", "FULL", 60)
	require.NoError(t, err)
	assert.InDelta(t, want, corr, 1e-9)
}

func TestInstrumentAnalytics(t *testing.T) {
	s, database, clock := newTestAnalytics(t)
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	seedPrices(t, database, clock, "UP", prices...)

	out, err := s.GetInstrumentAnalytics(context.Background(), "UP", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, out.Samples)
	assert.Equal(t, 1440, out.WindowMinutes)
	assert.InDelta(t, indicators.SMA(prices, 20), out.SMA, 1e-9)
	assert.Equal(t, 100.0, out.RSI)
	assert.Greater(t, out.Volatility, 0.0)
}

func recordSeries(t *testing.T, s *Service, clock *fakeClock, player string, values ...float64) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, s.RecordPortfolioValue(context.Background(), player, v, v, 0))
		clock.t = clock.t.Add(time.Hour)
	}
}

func TestSharpe(t *testing.T) {
	s, _, clock := newTestAnalytics(t)
	ctx := context.Background()

	values := []float64{100, 101, 104.03, 105.0703, 108.222409}
	recordSeries(t, s, clock, "p1", values...)

	stats, err := s.GetReturnStats(ctx, "p1", 30)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 0.02, stats.AvgReturn, 1e-9)
	assert.InDelta(t, math.Sqrt(4e-4/3), stats.StdDevReturn, 1e-9)

	got, err := s.GetSharpe(ctx, "p1", 30, 0.0365)
	require.NoError(t, err)
	assert.InDelta(t, (stats.AvgReturn-0.0001)/stats.StdDevReturn, got, 1e-9)

	t.Run("no data", func(t *testing.T) {
		got, err := s.GetSharpe(ctx, "ghost", 30, 0.02)
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("no dispersion", func(t *testing.T) {
		recordSeries(t, s, clock, "steady", 100, 100, 100)
		got, err := s.GetSharpe(ctx, "steady", 30, 0.02)
		require.NoError(t, err)
		assert.Zero(t, got)
	})
}

func TestSharpeLeaderboard(t *testing.T) {
	s, _, clock := newTestAnalytics(t)
	ctx := context.Background()

	recordSeries(t, s, clock, "steady", 100, 101, 104.03, 105.0703)
	recordSeries(t, s, clock, "loser", 100, 90, 95, 80)
	recordSeries(t, s, clock, "flat", 100, 100)

	board, err := s.GetSharpeLeaderboard(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "steady", board[0].PlayerUUID)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "flat", board[1].PlayerUUID)
	assert.Equal(t, "loser", board[2].PlayerUUID)
	assert.Less(t, board[2].Sharpe, 0.0)

	board, err = s.GetSharpeLeaderboard(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, board, 1)
}

func TestSnapshotterRunOnce(t *testing.T) {
	_, database, clock := newTestAnalytics(t)
	ctx := context.Background()

	q := database.Queries()
	require.NoError(t, q.InsertInstrument(ctx, db.Instrument{ID: "ACME", Type: db.InstrumentEquity, Symbol: "ACME", DisplayName: "Acme", CreatedAt: base}))
	require.NoError(t, q.UpsertInstrumentState(ctx, db.InstrumentState{InstrumentID: "ACME", LastPrice: 20, UpdatedAt: base}))

	w := wallet.NewService(database, 500)
	_, err := w.EnsureWallet(ctx, "p1")
	require.NoError(t, err)
	h := holdings.NewService(database, nil)
	_, err = h.AddHoldingWithVersioning(ctx, database.Q(), "p2", "ACME", 3, 10)
	require.NoError(t, err)

	writer := persistence.NewBatchWriter(database, 100, time.Hour, nil)
	defer writer.Close()

	snap := NewSnapshotter(database, h, w, writer, time.Minute, nil).WithClock(clock.Now)
	n, err := snap.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, writer.Pending())

	p1, err := q.PortfolioHistorySince(ctx, "p1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, 500.0, p1[0].TotalValue)

	p2, err := q.PortfolioHistorySince(ctx, "p2", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, p2, 1)
	assert.Equal(t, 60.0, p2[0].HoldingsValue)
	assert.Equal(t, 60.0, p2[0].TotalValue)

	assert.Equal(t, uint64(2), writer.GetMetrics().TotalWrites)
}
