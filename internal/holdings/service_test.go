package holdings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-core/pkg/db"
)

func newTestHoldings(t *testing.T) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return NewService(database, nil), database
}

func seedPrice(t *testing.T, database *db.Database, id string, price float64) {
	t.Helper()
	ctx := context.Background()
	q := database.Queries()
	require.NoError(t, q.InsertInstrument(ctx, db.Instrument{ID: id, Type: db.InstrumentEquity, Symbol: id, DisplayName: id, CreatedAt: time.Now()}))
	require.NoError(t, q.UpsertInstrumentState(ctx, db.InstrumentState{InstrumentID: id, LastPrice: price, UpdatedAt: time.Now()}))
}

func TestAddHoldingWeightedAverage(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()

	ok, err := s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 10, 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 30, 200)
	require.NoError(t, err)
	require.True(t, ok)

	h, err := s.Get(ctx, "p1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, 40.0, h.Qty)
	assert.InDelta(t, 175.0, h.AvgCost, 1e-9)
	assert.Equal(t, int64(2), h.Version)
}

func TestAddHoldingCASConflict(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()

	_, err := s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 5, 10)
	require.NoError(t, err)

	// two writers read the same baseline
	snapA, err := s.GetHoldingWithLock(ctx, q, "p1", "ACME")
	require.NoError(t, err)
	snapB := snapA

	okA, err := s.AddFromSnapshot(ctx, q, "p1", "ACME", 1, 10, snapA)
	require.NoError(t, err)
	okB, err := s.AddFromSnapshot(ctx, q, "p1", "ACME", 1, 10, snapB)
	require.NoError(t, err)

	assert.True(t, okA)
	assert.False(t, okB)

	h, err := s.Get(ctx, "p1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, 6.0, h.Qty)
	assert.Equal(t, snapA.Version+1, h.Version)
}

func TestAddHoldingInsertRace(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()

	empty, err := s.GetHoldingWithLock(ctx, q, "p1", "ACME")
	require.NoError(t, err)
	require.False(t, empty.Exists)

	ok, err := s.AddFromSnapshot(ctx, q, "p1", "ACME", 1, 10, empty)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AddFromSnapshot(ctx, q, "p1", "ACME", 1, 10, empty)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveHoldingWithVersioning(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()

	_, err := s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 10, 50)
	require.NoError(t, err)

	t.Run("stale version", func(t *testing.T) {
		ok, err := s.RemoveHoldingWithVersioning(ctx, q, "p1", "ACME", 1, 99)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("more than held", func(t *testing.T) {
		ok, err := s.RemoveHoldingWithVersioning(ctx, q, "p1", "ACME", 11, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("partial then full", func(t *testing.T) {
		ok, err := s.RemoveHoldingWithVersioning(ctx, q, "p1", "ACME", 4, 1)
		require.NoError(t, err)
		require.True(t, ok)

		h, err := s.Get(ctx, "p1", "ACME")
		require.NoError(t, err)
		assert.Equal(t, 6.0, h.Qty)
		assert.Equal(t, 50.0, h.AvgCost, "sells never change avg cost")
		assert.Equal(t, int64(2), h.Version)

		ok, err = s.RemoveHoldingWithVersioning(ctx, q, "p1", "ACME", 6, 2)
		require.NoError(t, err)
		require.True(t, ok)

		h, err = s.Get(ctx, "p1", "ACME")
		require.NoError(t, err)
		assert.Zero(t, h.Qty)
		assert.Equal(t, int64(3), h.Version)
	})

	t.Run("rebuy after zero resets cost basis", func(t *testing.T) {
		ok, err := s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 2, 80)
		require.NoError(t, err)
		require.True(t, ok)

		h, err := s.Get(ctx, "p1", "ACME")
		require.NoError(t, err)
		assert.Equal(t, 80.0, h.AvgCost)
		assert.Equal(t, int64(4), h.Version)
	})
}

func TestGetHoldingsAndPortfolioValue(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()
	seedPrice(t, database, "ACME", 120)
	seedPrice(t, database, "GLOB", 10)

	_, err := s.AddHoldingWithVersioning(ctx, q, "p1", "ACME", 10, 100)
	require.NoError(t, err)
	_, err = s.AddHoldingWithVersioning(ctx, q, "p1", "GLOB", 5, 20)
	require.NoError(t, err)

	positions, err := s.GetHoldings(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	acme := positions[0]
	assert.Equal(t, "ACME", acme.Symbol)
	assert.InDelta(t, 200, acme.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 20, acme.PnLPercent, 1e-9)

	glob := positions[1]
	assert.InDelta(t, -50, glob.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -50, glob.PnLPercent, 1e-9)

	value, err := s.GetPortfolioValue(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 1250, value, 1e-9)

	value, err = s.GetPortfolioValue(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, value)
}

func TestSetQtyCreatesOrOverwrites(t *testing.T) {
	s, database := newTestHoldings(t)
	ctx := context.Background()
	q := database.Q()

	require.NoError(t, s.SetQty(ctx, q, "p1", "ACME", 12, 101))
	h, err := s.Get(ctx, "p1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, 12.0, h.Qty)
	assert.Equal(t, 101.0, h.AvgCost)
	assert.Equal(t, int64(1), h.Version)

	require.NoError(t, s.SetQty(ctx, q, "p1", "ACME", 3, 999))
	h, err = s.Get(ctx, "p1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, 3.0, h.Qty)
	assert.Equal(t, 101.0, h.AvgCost)
	assert.Equal(t, int64(2), h.Version)
}
