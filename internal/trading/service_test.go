package trading

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-core/internal/events"
	"market-core/internal/holdings"
	"market-core/internal/market"
	"market-core/internal/monitor"
	"market-core/internal/pricing"
	"market-core/internal/ratelimit"
	"market-core/internal/wallet"
	"market-core/pkg/db"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc      *Service
	db       *db.Database
	wallet   *wallet.Service
	holdings *holdings.Service
	registry *market.Registry
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	clock    *fakeClock
	acme     db.Instrument
}

type option func(*Config)

func newFixture(t *testing.T, limits ratelimit.Config, opts ...option) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	registry := market.NewRegistry(database, bus, nil).WithClock(clock.Now)
	acme, err := registry.Register(ctx, db.Instrument{Type: db.InstrumentEquity, Symbol: "ACME"}, 100)
	require.NoError(t, err)

	fees, err := pricing.NewFeeService(pricing.FeePercent, 0.25, 0)
	require.NoError(t, err)
	slip, err := pricing.NewSlippageService(pricing.SlippageLinear, 0.0005)
	require.NoError(t, err)

	w := wallet.NewService(database, 10000)
	for _, p := range []string{"p1", "p2"} {
		_, err := w.EnsureWallet(ctx, p)
		require.NoError(t, err)
	}
	h := holdings.NewService(database, nil).WithClock(clock.Now)
	metrics := monitor.NewSystemMetrics()

	cfg := Config{
		DB:        database,
		Registry:  registry,
		Holdings:  h,
		Wallet:    w,
		Fees:      fees,
		Slippage:  slip,
		RateLimit: ratelimit.NewService(database, limits, nil).WithClock(clock.Now),
		Hours:     market.AlwaysOpen,
		Bus:       bus,
		Metrics:   metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &fixture{
		svc:      NewService(cfg).WithClock(clock.Now),
		db:       database,
		wallet:   w,
		holdings: h,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		clock:    clock,
		acme:     acme,
	}
}

func (f *fixture) balance(t *testing.T, player string) float64 {
	t.Helper()
	b, err := f.wallet.GetBalance(context.Background(), player)
	require.NoError(t, err)
	return b
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.DB.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func TestBuyEndToEnd(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	fills, unsub := f.bus.Subscribe(events.EventOrderFilled, 4)
	defer unsub()

	res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "acme", 10, "")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, res.Status, res.Message)
	assert.True(t, res.Success())
	assert.Equal(t, 100.0, res.RefPrice)
	assert.Equal(t, 100.5, res.ExecPrice)
	assert.Equal(t, 2.5125, res.Fee)
	assert.Equal(t, 1007.625, res.Total)
	assert.Equal(t, "Bought 10 ACME @ 100.5 (fee 2.5125, total 1007.625)", res.Message)

	assert.Equal(t, 10000-1007.625, f.balance(t, "p1"))

	h, err := f.holdings.Get(ctx, "p1", f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, h.Qty)
	assert.Equal(t, 100.5, h.AvgCost)
	assert.Equal(t, int64(1), h.Version)

	select {
	case msg := <-fills:
		fill := msg.(events.Fill)
		assert.Equal(t, res.OrderID, fill.OrderID)
		assert.Equal(t, "p1", fill.PlayerUUID)
		assert.Equal(t, "BUY", fill.Side)
	default:
		t.Fatal("expected a fill event")
	}

	snap := f.metrics.GetSnapshot()
	assert.Equal(t, uint64(1), snap.Executed)
	assert.Equal(t, 1, snap.TradeLatency.Count)
}

func TestBuyIdempotentRetry(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	first, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "req-1")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, first.Status)

	second, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCached, second.Status)
	assert.Equal(t, CodeDuplicateRequest, second.Code)
	assert.True(t, second.Success())
	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, first.OrderID, second.OrderID)

	assert.Equal(t, 1, f.orderCount(t))
	assert.Equal(t, 10000-1007.625, f.balance(t, "p1"))

	h, err := f.holdings.Get(ctx, "p1", f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, h.Qty)

	t.Run("key reused by another player", func(t *testing.T) {
		res, err := f.svc.ExecuteBuyOrder(ctx, "p2", "ACME", 10, "req-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Equal(t, CodeValidation, res.Code)
		assert.Equal(t, 10000.0, f.balance(t, "p2"))
	})

	t.Run("key reused for a different order", func(t *testing.T) {
		res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", 10, "req-1")
		require.NoError(t, err)
		assert.Equal(t, CodeValidation, res.Code)
	})

	assert.Equal(t, uint64(1), f.metrics.GetSnapshot().Cached)
}

func TestConcurrentSameKeyBuys(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "req-burst")
		}(i)
	}
	wg.Wait()

	statuses := map[Status]int{}
	var orderID string
	for i := range results {
		require.NoError(t, errs[i])
		statuses[results[i].Status]++
		if orderID == "" {
			orderID = results[i].OrderID
		}
		assert.Equal(t, orderID, results[i].OrderID)
	}
	assert.Equal(t, map[Status]int{StatusExecuted: 1, StatusCached: n - 1}, statuses)

	assert.Equal(t, 1, f.orderCount(t))
	assert.InDelta(t, 10000-100.300125, f.balance(t, "p1"), 1e-9)
	h, err := f.holdings.Get(ctx, "p1", f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h.Qty)
	assert.Equal(t, uint64(n-1), f.metrics.GetSnapshot().Cached)
}

func TestKeyConflictAfterCommitRace(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	first, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "req-race")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, first.Status)

	// a request that lost the insert race to a different order under its key
	lost := &order{player: "p1", inst: f.acme, side: db.SideBuy, qty: 3, key: "req-race", refPrice: 100}
	res, err := f.svc.settle(ctx, lost, db.Order{}, errDuplicate, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, CodeValidation, res.Code)
	assert.Equal(t, "This request id was already used for a different order", res.Message)

	same := &order{player: "p1", inst: f.acme, side: db.SideBuy, qty: 10, key: "req-race", refPrice: 100}
	res, err = f.svc.settle(ctx, same, db.Order{}, errDuplicate, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, res.Status)
	assert.Equal(t, first.OrderID, res.OrderID)
}

func TestBuyInsufficientFunds(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1000, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, CodeInsufficientFunds, res.Code)
	assert.Contains(t, res.Message, "have 10000")

	assert.Equal(t, 10000.0, f.balance(t, "p1"))
	assert.Zero(t, f.orderCount(t))
	_, err = f.holdings.Get(ctx, "p1", f.acme.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSell(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	_, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "")
	require.NoError(t, err)
	before := f.balance(t, "p1")

	res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", 4, "")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, res.Status, res.Message)
	assert.Equal(t, 99.8, res.ExecPrice)
	assert.InDelta(t, 0.998, res.Fee, 1e-12)
	assert.InDelta(t, 398.202, res.Total, 1e-9)
	assert.Equal(t, "Sold 4 ACME @ 99.8 (fee 0.998, net 398.202)", res.Message)
	assert.InDelta(t, before+398.202, f.balance(t, "p1"), 1e-9)

	h, err := f.holdings.Get(ctx, "p1", f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 6.0, h.Qty)
	assert.Equal(t, 100.5, h.AvgCost)

	t.Run("more than held", func(t *testing.T) {
		res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", 20, "")
		require.NoError(t, err)
		assert.Equal(t, CodeInsufficientHoldings, res.Code)
		assert.Equal(t, "Insufficient holdings: you have 6 ACME, tried to sell 20", res.Message)
	})

	t.Run("nothing held", func(t *testing.T) {
		res, err := f.svc.ExecuteSellOrder(ctx, "p2", "ACME", 1, "")
		require.NoError(t, err)
		assert.Equal(t, CodeInsufficientHoldings, res.Code)
		assert.Equal(t, 10000.0, f.balance(t, "p2"))
	})

	t.Run("sell everything", func(t *testing.T) {
		res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", 6, "")
		require.NoError(t, err)
		require.Equal(t, StatusExecuted, res.Status)

		positions, err := f.holdings.GetHoldings(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, positions)
	})
}

func TestSellBeyondLiquidity(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	require.NoError(t, f.holdings.SetQty(ctx, f.db.Q(), "p1", f.acme.ID, 3000, 100))

	// linear impact 0.0005 per unit reaches the whole price at 2000 units
	for _, qty := range []float64{2000, 3000} {
		res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", qty, "req-dump")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Equal(t, CodeValidation, res.Code)
		assert.Contains(t, res.Message, "too large for available liquidity")
		assert.Equal(t, 100.0, res.RefPrice)
	}

	assert.Zero(t, f.orderCount(t))
	assert.Equal(t, 10000.0, f.balance(t, "p1"))
	h, err := f.holdings.Get(ctx, "p1", f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, h.Qty)

	// the key was not consumed
	res, err := f.svc.ExecuteSellOrder(ctx, "p1", "ACME", 1000, "req-dump")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, res.Status, res.Message)
	assert.Equal(t, 50.0, res.ExecPrice)
}

// racingHoldings commits a competing write between the baseline read and the
// versioned write, the way a concurrent trade would.
type racingHoldings struct {
	*holdings.Service
}

func (r racingHoldings) AddHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty, price float64) (bool, error) {
	snap, err := r.GetHoldingWithLock(ctx, q, player, instrumentID)
	if err != nil {
		return false, err
	}
	if err := r.SetQty(ctx, q, player, instrumentID, snap.Qty+1, price); err != nil {
		return false, err
	}
	return r.AddFromSnapshot(ctx, q, player, instrumentID, qty, price, snap)
}

func (r racingHoldings) RemoveHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty float64, expectedVersion int64) (bool, error) {
	if err := r.SetQty(ctx, q, player, instrumentID, 100, 1); err != nil {
		return false, err
	}
	return r.Service.RemoveHoldingWithVersioning(ctx, q, player, instrumentID, qty, expectedVersion)
}

func TestCASConflictRollsBackTrade(t *testing.T) {
	var racer racingHoldings
	f := newFixture(t, ratelimit.Config{}, func(cfg *Config) {
		racer = racingHoldings{Service: cfg.Holdings.(*holdings.Service)}
		cfg.Holdings = racer
	})
	ctx := context.Background()

	t.Run("buy", func(t *testing.T) {
		res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "req-cas")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Equal(t, CodeConcurrentModification, res.Code)

		assert.Equal(t, 10000.0, f.balance(t, "p1"), "debit must roll back")
		assert.Zero(t, f.orderCount(t))
		_, err = f.holdings.Get(ctx, "p1", f.acme.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("sell", func(t *testing.T) {
		require.NoError(t, f.holdings.SetQty(ctx, f.db.Q(), "p2", f.acme.ID, 5, 90))
		before, err := f.holdings.Get(ctx, "p2", f.acme.ID)
		require.NoError(t, err)

		res, err := f.svc.ExecuteSellOrder(ctx, "p2", "ACME", 2, "")
		require.NoError(t, err)
		assert.Equal(t, CodeConcurrentModification, res.Code)

		after, err := f.holdings.Get(ctx, "p2", f.acme.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, 10000.0, f.balance(t, "p2"))
	})

	// the key was not consumed, so a retry executes
	f.svc.holdings = racer.Service
	res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "req-cas")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)

	assert.Equal(t, uint64(2), f.metrics.GetSnapshot().CASConflicts)
}

func TestRateLimited(t *testing.T) {
	t.Run("order size", func(t *testing.T) {
		f := newFixture(t, ratelimit.Config{MaxOrderQty: 5})
		res, err := f.svc.ExecuteBuyOrder(context.Background(), "p1", "ACME", 10, "")
		require.NoError(t, err)
		assert.Equal(t, CodeRateLimited, res.Code)
		assert.Equal(t, "Order size exceeds maximum of 5", res.Message)
		assert.Equal(t, 10000.0, f.balance(t, "p1"))
	})

	t.Run("cooldown recorded after a trade", func(t *testing.T) {
		f := newFixture(t, ratelimit.Config{CooldownMs: 10_000})
		ctx := context.Background()

		res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "")
		require.NoError(t, err)
		require.Equal(t, StatusExecuted, res.Status)

		f.clock.Advance(4 * time.Second)
		res, err = f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "")
		require.NoError(t, err)
		assert.Equal(t, CodeRateLimited, res.Code)
		assert.Contains(t, res.Message, "6.0")

		f.clock.Advance(6 * time.Second)
		res, err = f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "")
		require.NoError(t, err)
		assert.Equal(t, StatusExecuted, res.Status)
	})

	t.Run("minute notional uses the reference price", func(t *testing.T) {
		f := newFixture(t, ratelimit.Config{MaxNotionalPerMinute: 2500})
		ctx := context.Background()

		var codes []Code
		for i := 0; i < 3; i++ {
			res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 10, "")
			require.NoError(t, err)
			codes = append(codes, res.Code)
		}
		assert.Equal(t, []Code{CodeOK, CodeOK, CodeRateLimited}, codes)
	})
}

func TestRejectionsBeforeExecution(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	rejections, unsub := f.bus.Subscribe(events.EventOrderRejected, 8)
	defer unsub()

	require.NoError(t, f.db.Queries().InsertInstrument(ctx, db.Instrument{
		ID: "dark", Type: db.InstrumentItem, Symbol: "DARK", DisplayName: "Unpriced", CreatedAt: f.clock.Now(),
	}))

	cases := []struct {
		name   string
		player string
		ref    string
		qty    float64
		code   Code
	}{
		{"no player", "", "ACME", 1, CodeValidation},
		{"zero qty", "p1", "ACME", 0, CodeValidation},
		{"negative qty", "p1", "ACME", -3, CodeValidation},
		{"NaN qty", "p1", "ACME", math.NaN(), CodeValidation},
		{"infinite qty", "p1", "ACME", math.Inf(1), CodeValidation},
		{"negative infinite qty", "p1", "ACME", math.Inf(-1), CodeValidation},
		{"unknown instrument", "p1", "NOPE", 1, CodeValidation},
		{"no price", "p1", "DARK", 1, CodePriceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.ExecuteBuyOrder(ctx, tc.player, tc.ref, tc.qty, "")
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, res.Status)
			assert.Equal(t, tc.code, res.Code)
			assert.NotEmpty(t, res.Message)
		})
	}

	assert.Zero(t, f.orderCount(t))
	assert.Len(t, rejections, len(cases))
	assert.Equal(t, uint64(len(cases)), f.metrics.GetSnapshot().Rejected)
}

func TestMarketClosed(t *testing.T) {
	hours, err := market.ParseHours("09:00", "11:00", time.UTC)
	require.NoError(t, err)
	f := newFixture(t, ratelimit.Config{}, func(cfg *Config) { cfg.Hours = hours })
	ctx := context.Background()

	res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "req-h")
	require.NoError(t, err)
	assert.Equal(t, CodeMarketClosed, res.Code)
	assert.Equal(t, "Market is closed. Trading hours are 09:00-11:00", res.Message)

	f.clock.t = time.Date(2024, 3, 2, 10, 30, 0, 0, time.UTC)
	res, err = f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "req-h")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, res.Status)

	// replays are answered after close
	f.clock.Advance(2 * time.Hour)
	res, err = f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "req-h")
	require.NoError(t, err)
	assert.Equal(t, StatusCached, res.Status)
}

func TestGetOrderHistory(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := f.svc.ExecuteBuyOrder(ctx, "p1", "ACME", 1, "")
		require.NoError(t, err)
		ids = append(ids, res.OrderID)
		f.clock.Advance(time.Second)
	}

	orders, err := f.svc.GetOrderHistory(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[0], orders[2].ID)

	orders, err = f.svc.GetOrderHistory(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	_, err = f.svc.GetOrderHistory(ctx, "", 10)
	assert.ErrorIs(t, err, db.ErrPlayerRequired)
}
