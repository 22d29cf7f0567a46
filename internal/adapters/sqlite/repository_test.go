package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginBot/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: nopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var testRef = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPositionSaveAndFindRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := domain.NewPosition("ETHUSDT", domain.Long)
	require.NoError(t, pos.AddLeg(domain.PositionLeg{
		EntryPrice: 2000, Size: 1, EntryTime: testRef, AdjustedConfidence: 0.7, Strategy: "crossover", Regime: "trending",
	}))
	require.NoError(t, pos.AddLeg(domain.PositionLeg{
		EntryPrice: 2100, Size: 1, EntryTime: testRef.Add(time.Hour), AdjustedConfidence: 0.6, Strategy: "crossover",
	}))
	pos.TakeProfitOrderID = "tp-1"
	pos.StopLossOrderID = "sl-1"

	require.NoError(t, repo.Save(ctx, pos))
	assert.NotZero(t, pos.ID)

	loaded, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, pos.ID, loaded.ID)
	assert.Equal(t, domain.Long, loaded.Side)
	assert.Len(t, loaded.Legs, 2)
	// The weighted average is recomputed from the stored legs.
	assert.InDelta(t, 2050, loaded.AverageEntry, 1e-9)
	assert.InDelta(t, 2, loaded.TotalSize, 1e-9)
	assert.Equal(t, "tp-1", loaded.TakeProfitOrderID)
	assert.Equal(t, "sl-1", loaded.StopLossOrderID)
	require.NoError(t, loaded.CheckConsistency())
}

func TestPositionSaveReplacesLegs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := domain.NewPosition("ETHUSDT", domain.Long)
	require.NoError(t, pos.AddLeg(domain.PositionLeg{EntryPrice: 2000, Size: 2, EntryTime: testRef}))
	require.NoError(t, repo.Save(ctx, pos))

	// A partial exit consumes half the leg; the save replaces the leg set.
	require.NoError(t, pos.ReduceSize(1))
	require.NoError(t, repo.Save(ctx, pos))

	loaded, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Legs, 1)
	assert.InDelta(t, 1, loaded.TotalSize, 1e-9)
}

func TestFindOpenBySymbolNoPosition(t *testing.T) {
	repo := newTestRepo(t)
	loaded, err := repo.FindOpenBySymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPositionDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := domain.NewPosition("ETHUSDT", domain.Short)
	require.NoError(t, pos.AddLeg(domain.PositionLeg{EntryPrice: 2000, Size: 1, EntryTime: testRef}))
	require.NoError(t, repo.Save(ctx, pos))

	require.NoError(t, repo.Delete(ctx, pos.ID))
	loaded, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestOutcomeRecordAndFindSince(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := &domain.TradeOutcome{Symbol: "ETHUSDT", PNL: -50, CloseReason: domain.CloseReasonStopLoss, ClosedAt: testRef.Add(-48 * time.Hour)}
	recent := &domain.TradeOutcome{Symbol: "ETHUSDT", PNL: 120, Strategy: "crossover", CloseReason: domain.CloseReasonTakeProfit, ClosedAt: testRef}
	otherSymbol := &domain.TradeOutcome{Symbol: "BTCUSDT", PNL: 10, CloseReason: domain.CloseReasonManual, ClosedAt: testRef}

	for _, o := range []*domain.TradeOutcome{old, recent, otherSymbol} {
		id, err := repo.Record(ctx, o)
		require.NoError(t, err)
		assert.NotZero(t, id)
	}

	// Window boundary is inclusive; other symbols and older outcomes are
	// excluded.
	found, err := repo.FindSince(ctx, "ETHUSDT", testRef.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.InDelta(t, 120, found[0].PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonTakeProfit, found[0].CloseReason)
	assert.Equal(t, "crossover", found[0].Strategy)
}

func TestHighWaterMarkUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// No mark yet.
	hwm, err := repo.LoadHighWaterMark(ctx)
	require.NoError(t, err)
	assert.Zero(t, hwm)

	require.NoError(t, repo.SaveHighWaterMark(ctx, 100000, testRef))
	require.NoError(t, repo.SaveHighWaterMark(ctx, 105000, testRef.Add(time.Hour)))

	hwm, err = repo.LoadHighWaterMark(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 105000, hwm, 1e-9)
}
