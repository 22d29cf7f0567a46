package tracking

import (
	"context"
	"errors"
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

type mockPositionRepo struct {
	saved      *domain.Position
	saveCalls  int
	saveErr    error
	deleted    []int64
	findResult *domain.Position
	findErr    error
}

func (m *mockPositionRepo) Save(ctx context.Context, pos *domain.Position) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	if pos.ID == 0 {
		pos.ID = int64(m.saveCalls)
	}
	m.saved = pos
	return nil
}

func (m *mockPositionRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	return m.findResult, m.findErr
}

func (m *mockPositionRepo) Delete(ctx context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func leg(price, size float64) domain.PositionLeg {
	return domain.PositionLeg{
		EntryPrice: price,
		Size:       size,
		EntryTime:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAddLegWeightedAverage(t *testing.T) {
	repo := &mockPositionRepo{}
	tr, err := NewTracker(repo, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 1)))
	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2100, 1)))
	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2200, 2)))

	// (2000 + 2100 + 2*2200) / 4 = 2125.
	assert.InDelta(t, 2125, tr.AverageEntry("ETHUSDT"), 1e-9)

	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 4, pos.TotalSize, 1e-9)
	assert.Len(t, pos.Legs, 3)
	assert.Equal(t, 3, repo.saveCalls)
}

func TestAddLegRejectsOppositeSide(t *testing.T) {
	tr, err := NewTracker(&mockPositionRepo{}, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 1)))
	assert.Error(t, tr.AddLeg(ctx, "ETHUSDT", domain.Short, leg(2000, 1)))
}

func TestReduceSizePartialAndFull(t *testing.T) {
	repo := &mockPositionRepo{}
	tr, err := NewTracker(repo, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 2)))
	require.NoError(t, tr.ReduceSize(ctx, "ETHUSDT", 0.5))

	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 1.5, pos.TotalSize, 1e-9)

	// Closing the remainder clears the aggregate and deletes persistence.
	require.NoError(t, tr.ReduceSize(ctx, "ETHUSDT", 1.5))
	assert.Nil(t, tr.Get("ETHUSDT"))
	assert.Zero(t, tr.AverageEntry("ETHUSDT"))
	assert.NotEmpty(t, repo.deleted)
}

func TestReduceSizeWithoutPosition(t *testing.T) {
	tr, err := NewTracker(&mockPositionRepo{}, nopLogger{})
	require.NoError(t, err)
	assert.Error(t, tr.ReduceSize(context.Background(), "ETHUSDT", 1))
}

func TestProtectiveOrderIDsRoundTrip(t *testing.T) {
	tr, err := NewTracker(&mockPositionRepo{}, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 1)))
	require.NoError(t, tr.SetProtectiveOrderIDs(ctx, "ETHUSDT", "tp-1", "sl-1"))

	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-1", tp)
	assert.Equal(t, "sl-1", sl)

	// Clear drops the references along with the aggregate.
	require.NoError(t, tr.Clear(ctx, "ETHUSDT"))
	tp, sl = tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Empty(t, tp)
	assert.Empty(t, sl)
}

func TestGetReturnsCopy(t *testing.T) {
	tr, err := NewTracker(&mockPositionRepo{}, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 1)))
	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	pos.TotalSize = 999
	pos.Legs[0].Size = 999

	fresh := tr.Get("ETHUSDT")
	assert.InDelta(t, 1, fresh.TotalSize, 1e-9)
	assert.InDelta(t, 1, fresh.Legs[0].Size, 1e-9)
}

func TestRestoreLoadsPersistedAggregate(t *testing.T) {
	persisted := domain.NewPosition("ETHUSDT", domain.Long)
	require.NoError(t, persisted.AddLeg(leg(2000, 2)))
	persisted.ID = 7
	persisted.TakeProfitOrderID = "tp-9"
	persisted.StopLossOrderID = "sl-9"

	repo := &mockPositionRepo{findResult: persisted}
	tr, err := NewTracker(repo, nopLogger{})
	require.NoError(t, err)

	require.NoError(t, tr.Restore(context.Background(), "ETHUSDT"))
	assert.InDelta(t, 2000, tr.AverageEntry("ETHUSDT"), 1e-9)
	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-9", tp)
	assert.Equal(t, "sl-9", sl)
	assert.ElementsMatch(t, []string{"ETHUSDT"}, tr.OpenSymbols())
}

func TestRestoreNoPersistedState(t *testing.T) {
	tr, err := NewTracker(&mockPositionRepo{}, nopLogger{})
	require.NoError(t, err)
	require.NoError(t, tr.Restore(context.Background(), "ETHUSDT"))
	assert.Empty(t, tr.OpenSymbols())
}

func TestAddLegSurfacesPersistenceError(t *testing.T) {
	repo := &mockPositionRepo{saveErr: errors.New("disk full")}
	tr, err := NewTracker(repo, nopLogger{})
	require.NoError(t, err)
	assert.Error(t, tr.AddLeg(context.Background(), "ETHUSDT", domain.Long, leg(2000, 1)))
	// The failed leg must not survive in memory: the executor rolls its
	// orders back, so the tracker stays flat.
	assert.Nil(t, tr.Get("ETHUSDT"))
}

func TestAddLegPersistenceErrorLeavesAggregateUntouched(t *testing.T) {
	repo := &mockPositionRepo{}
	tr, err := NewTracker(repo, nopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2000, 1)))

	repo.saveErr = errors.New("disk full")
	assert.Error(t, tr.AddLeg(ctx, "ETHUSDT", domain.Long, leg(2100, 1)))

	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.Len(t, pos.Legs, 1)
	assert.InDelta(t, 1, pos.TotalSize, 1e-9)
	assert.InDelta(t, 2000, pos.AverageEntry, 1e-9)
}
