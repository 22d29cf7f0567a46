package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginBot/internal/domain"
)

func testGuardConfig() GuardConfig {
	return GuardConfig{
		MaxDrawdown:          0.10,
		ConsecutiveLossLimit: 3,
		Cooldown:             4 * time.Hour,
	}
}

func loss(pnl float64, at time.Time) domain.TradeOutcome {
	return domain.TradeOutcome{Symbol: "ETHUSDT", PNL: pnl, ClosedAt: at}
}

func TestGuardAllowsInitially(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 100000, 100000, nopLogger{})
	require.NoError(t, err)
	ok, reason := g.CheckTradingAllowed(time.Now())
	assert.True(t, ok)
	assert.Equal(t, domain.PauseNone, reason)
}

// Drawdown crossing the max at reference time T pauses for exactly
// [T, T+cooldown): false throughout the window, true at T+cooldown, with the
// same caller-supplied T used for both the record and the check calls.
func TestGuardDrawdownPauseWindow(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 100000, 100000, nopLogger{})
	require.NoError(t, err)

	// Simulated clock far in the past: a guard secretly consulting the wall
	// clock would treat the expiry as long since passed (or never reached).
	T := time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
	g.RecordTradeResult(context.Background(), loss(-15000, T), T)

	for _, offset := range []time.Duration{0, time.Minute, time.Hour, 4*time.Hour - time.Second} {
		ok, reason := g.CheckTradingAllowed(T.Add(offset))
		assert.Falsef(t, ok, "should be paused at T+%v", offset)
		assert.Equal(t, domain.PauseDrawdown, reason)
	}

	ok, reason := g.CheckTradingAllowed(T.Add(4 * time.Hour))
	assert.True(t, ok)
	assert.Equal(t, domain.PauseNone, reason)
}

func TestGuardLossStreakPause(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 1000000, 1000000, nopLogger{})
	require.NoError(t, err)

	T := time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
	// Small losses: no drawdown trigger, only the streak.
	for i := 0; i < 3; i++ {
		g.RecordTradeResult(context.Background(), loss(-10, T.Add(time.Duration(i)*time.Minute)), T.Add(time.Duration(i)*time.Minute))
	}

	ok, reason := g.CheckTradingAllowed(T.Add(3 * time.Minute))
	assert.False(t, ok)
	assert.Equal(t, domain.PauseLossStreak, reason)

	// Streak resets once the cooldown elapses.
	ok, _ = g.CheckTradingAllowed(T.Add(2*time.Minute + 4*time.Hour))
	assert.True(t, ok)
	assert.Zero(t, g.Snapshot().ConsecutiveLosses)
}

func TestGuardWinResetsStreak(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 1000000, 1000000, nopLogger{})
	require.NoError(t, err)

	T := time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
	g.RecordTradeResult(context.Background(), loss(-10, T), T)
	g.RecordTradeResult(context.Background(), loss(-10, T), T)
	g.RecordTradeResult(context.Background(), loss(50, T), T)

	assert.Zero(t, g.Snapshot().ConsecutiveLosses)
	ok, _ := g.CheckTradingAllowed(T)
	assert.True(t, ok)
}

// Restart re-seeding: the persisted high-water-mark survives, so the guard
// still sees the drawdown relative to the historical peak.
func TestGuardSeededHighWaterMark(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 120000, 100000, nopLogger{})
	require.NoError(t, err)

	st := g.Snapshot()
	assert.Equal(t, 120000.0, st.HighWaterMark)
	assert.InDelta(t, (120000.0-100000.0)/120000.0, st.DrawdownRatio, 1e-12)
}

func TestGuardObserveEquityAdvancesMark(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 100000, 100000, nopLogger{})
	require.NoError(t, err)

	g.ObserveEquity(130000, time.Now())
	assert.Equal(t, 130000.0, g.Snapshot().HighWaterMark)
	assert.Zero(t, g.Snapshot().DrawdownRatio)
}

func TestGuardSnapshotCarriesObservationTime(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 100000, 100000, nopLogger{})
	require.NoError(t, err)

	T := time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
	g.ObserveEquity(110000, T)
	assert.Equal(t, T, g.Snapshot().ObservedAt)

	// Recording an outcome moves the observation time forward too.
	g.RecordTradeResult(context.Background(), loss(-10, T.Add(time.Minute)), T.Add(time.Minute))
	assert.Equal(t, T.Add(time.Minute), g.Snapshot().ObservedAt)
}

func TestGuardExternalPause(t *testing.T) {
	g, err := NewGuard(testGuardConfig(), 100000, 100000, nopLogger{})
	require.NoError(t, err)

	T := time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
	g.PauseExternal(context.Background(), T, time.Hour)

	ok, reason := g.CheckTradingAllowed(T.Add(30 * time.Minute))
	assert.False(t, ok)
	assert.Equal(t, domain.PauseExternal, reason)

	ok, _ = g.CheckTradingAllowed(T.Add(time.Hour))
	assert.True(t, ok)
}

func TestNewGuardValidatesConfig(t *testing.T) {
	_, err := NewGuard(GuardConfig{MaxDrawdown: 0, ConsecutiveLossLimit: 3, Cooldown: time.Hour}, 0, 0, nopLogger{})
	require.Error(t, err)
	_, err = NewGuard(GuardConfig{MaxDrawdown: 0.1, ConsecutiveLossLimit: 0, Cooldown: time.Hour}, 0, 0, nopLogger{})
	require.Error(t, err)
}
