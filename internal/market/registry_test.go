package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-core/internal/events"
	"market-core/pkg/db"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	bus := events.NewBus()
	return NewRegistry(database, bus, nil).WithClock(clock.Now), clock, bus
}

func TestCreateCustomCrypto(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	ctx := context.Background()
	created, _ := bus.Subscribe(events.EventCryptoCreated, 1)

	in, err := r.CreateCustomCrypto(ctx, "p1", "moon", "Moon Coin", 2.5, 8)
	require.NoError(t, err)
	assert.Equal(t, "MOON", in.Symbol)
	assert.Equal(t, db.InstrumentCustomCrypto, in.Type)
	assert.Equal(t, "p1", in.CreatedBy)
	assert.NotEmpty(t, in.ID)

	got := (<-created).(db.Instrument)
	assert.Equal(t, in.ID, got.ID)

	price, err := r.LastPrice(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.5, price)

	bySym, err := r.GetBySymbol(ctx, "MoOn")
	require.NoError(t, err)
	assert.Equal(t, in.ID, bySym.ID)

	hist, err := r.db.Queries().PriceHistorySince(ctx, in.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ReasonCreated, hist[0].Reason)
}

func TestCreateCustomCryptoValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateCustomCrypto(ctx, "p1", "x", "", 1, 2)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = r.CreateCustomCrypto(ctx, "p1", "GOOD-1", "", 1, 2)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = r.CreateCustomCrypto(ctx, "p1", "GOOD", "", 0, 2)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = r.CreateCustomCrypto(ctx, "", "GOOD", "", 1, 2)
	assert.ErrorIs(t, err, db.ErrPlayerRequired)

	_, err = r.CreateCustomCrypto(ctx, "p1", "GOOD", "", 1, 2)
	require.NoError(t, err)
	_, err = r.CreateCustomCrypto(ctx, "p2", "good", "", 1, 2)
	assert.ErrorIs(t, err, ErrSymbolTaken)
	assert.Equal(t, "Symbol GOOD is already taken", UserMessage(err, "good"))
}

func TestRecordPriceUpdatesState(t *testing.T) {
	r, clock, bus := newTestRegistry(t)
	ctx := context.Background()
	ticks, _ := bus.Subscribe(events.EventPriceTick, 4)

	in, err := r.Register(ctx, db.Instrument{ID: "ACME", Type: db.InstrumentEquity, Symbol: "ACME"}, 100)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, r.RecordPrice(ctx, in.ID, 110, 5, ReasonTick))

	clock.Advance(45 * time.Minute)
	require.NoError(t, r.RecordPrice(ctx, in.ID, 121, 7, ReasonTick))

	st, err := r.db.Queries().GetInstrumentState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 121.0, st.LastPrice)
	assert.Equal(t, 7.0, st.LastVolume)
	assert.InDelta(t, 0.1, st.Change1h, 1e-9, "hour window starts at the 110 tick")
	assert.InDelta(t, 0.21, st.Change24h, 1e-9)
	assert.Greater(t, st.Volatility24h, 0.0)

	first := (<-ticks).(events.PriceTick)
	assert.Equal(t, 110.0, first.Price)
	assert.Equal(t, "ACME", first.Symbol)

	assert.ErrorIs(t, r.RecordPrice(ctx, in.ID, -1, 0, ReasonTick), ErrInvalidPrice)
	assert.ErrorIs(t, r.RecordPrice(ctx, "nope", 1, 0, ReasonTick), ErrUnknownInstrument)
}

func TestMockFeedTick(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, db.Instrument{ID: "ACME", Type: db.InstrumentEquity, Symbol: "ACME"}, 100)
	require.NoError(t, err)

	feed := &MockFeed{Registry: r, Step: 0.05}
	require.NoError(t, feed.Tick(ctx))

	price, err := r.LastPrice(ctx, "ACME")
	require.NoError(t, err)
	assert.InDelta(t, 100, price, 5.0001)

	listings, err := r.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, price, listings[0].State.LastPrice)
}

func TestHours(t *testing.T) {
	h, err := ParseHours("09:30", "16:00", time.UTC)
	require.NoError(t, err)
	day := func(hh, mm int) time.Time { return time.Date(2024, 1, 2, hh, mm, 0, 0, time.UTC) }

	assert.False(t, h.IsOpen(day(9, 29)))
	assert.True(t, h.IsOpen(day(9, 30)))
	assert.True(t, h.IsOpen(day(15, 59)))
	assert.False(t, h.IsOpen(day(16, 0)))

	overnight, err := ParseHours("22:00", "02:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, overnight.IsOpen(day(23, 0)))
	assert.True(t, overnight.IsOpen(day(1, 0)))
	assert.False(t, overnight.IsOpen(day(12, 0)))

	always, err := ParseHours("", "", nil)
	require.NoError(t, err)
	assert.True(t, always.IsOpen(day(3, 0)))

	_, err = ParseHours("9am", "17:00", nil)
	assert.Error(t, err)

	open, close := h.Window()
	assert.Equal(t, "09:30", open)
	assert.Equal(t, "16:00", close)
}
