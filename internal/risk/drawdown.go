package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
)

// GuardConfig holds the drawdown-guard tuning. The loss-streak limit lives
// here and nowhere else: call sites carrying their own defaults is the
// defect class where two paths silently disagree on pause aggressiveness.
type GuardConfig struct {
	MaxDrawdown          float64
	ConsecutiveLossLimit int
	Cooldown             time.Duration
}

// State is a read-only snapshot of the guard, consumed by the risk scorer
// and by persistence.
type State struct {
	HighWaterMark     float64
	Equity            float64
	DrawdownRatio     float64
	ConsecutiveLosses int
	ObservedAt        time.Time // reference time of the latest equity update
	PausedUntil       time.Time // zero while trading
	Reason            domain.PauseReason
}

// Guard maintains the running equity high-water-mark and loss streak, and
// vetoes new entries during a cooldown window. It is a process-wide
// singleton with two writers: the outcome-recording path updates equity and
// the streak and enters pauses, and the admission check resolves cooldown
// expiry lazily, leaving the pause on its first call at-or-after the
// deadline. There is no timer; with no admission checks a pause simply
// stays resolved-on-read.
//
// Every method takes the caller's reference timestamp. The guard never reads
// the wall clock: in simulation the wall clock does not advance with the
// simulated one, and a guard comparing a simulated expiry against real time
// turns every pause permanent.
type Guard struct {
	mu  sync.Mutex
	cfg GuardConfig

	highWaterMark     float64
	equity            float64
	consecutiveLosses int
	observedAt        time.Time
	pausedUntil       time.Time
	reason            domain.PauseReason

	logger ports.Logger
}

// NewGuard creates a guard seeded with the persisted high-water-mark and the
// current equity. Seeding matters on restart: initializing the mark from
// current (possibly drawn-down) equity would erase the drawdown.
func NewGuard(cfg GuardConfig, seedHighWaterMark, equity float64, logger ports.Logger) (*Guard, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1 {
		return nil, fmt.Errorf("MaxDrawdown must be in (0,1), got %v", cfg.MaxDrawdown)
	}
	if cfg.ConsecutiveLossLimit <= 0 {
		return nil, fmt.Errorf("ConsecutiveLossLimit must be positive, got %d", cfg.ConsecutiveLossLimit)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("Cooldown must be positive, got %v", cfg.Cooldown)
	}
	hwm := seedHighWaterMark
	if equity > hwm {
		hwm = equity
	}
	return &Guard{cfg: cfg, highWaterMark: hwm, equity: equity, logger: logger}, nil
}

// RecordTradeResult applies a realized outcome at the given reference time:
// updates equity, the high-water-mark, and the loss streak, and transitions
// to PAUSED when the drawdown ratio exceeds the configured maximum or the
// streak reaches the configured limit.
func (g *Guard) RecordTradeResult(ctx context.Context, outcome domain.TradeOutcome, ref time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.equity += outcome.PNL
	g.observedAt = ref
	if outcome.IsWin() {
		g.consecutiveLosses = 0
	} else {
		g.consecutiveLosses++
	}
	if g.equity > g.highWaterMark {
		g.highWaterMark = g.equity
	}

	dd := g.drawdownLocked()
	switch {
	case dd > g.cfg.MaxDrawdown:
		g.pauseLocked(ctx, domain.PauseDrawdown, ref,
			map[string]interface{}{"drawdown": dd, "maxDrawdown": g.cfg.MaxDrawdown})
	case g.consecutiveLosses >= g.cfg.ConsecutiveLossLimit:
		g.pauseLocked(ctx, domain.PauseLossStreak, ref,
			map[string]interface{}{"losses": g.consecutiveLosses, "limit": g.cfg.ConsecutiveLossLimit})
	}
}

// ObserveEquity folds an account-snapshot equity reading taken at ref into
// the mark without touching the loss streak, so unrealized swings between
// outcome events still advance the high-water-mark.
func (g *Guard) ObserveEquity(equity float64, ref time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.equity = equity
	g.observedAt = ref
	if equity > g.highWaterMark {
		g.highWaterMark = equity
	}
}

// PauseExternal suspends trading for operational reasons unrelated to
// performance (exchange maintenance, operator intervention).
func (g *Guard) PauseExternal(ctx context.Context, ref time.Time, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pausedUntil = ref.Add(d)
	g.reason = domain.PauseExternal
	g.logger.Warn(ctx, "Trading paused externally", map[string]interface{}{
		"until": g.pausedUntil,
	})
}

// CheckTradingAllowed reports whether new entries are admitted at the given
// reference time. The caller must pass the same reference timestamp used for
// RecordTradeResult: mixing the simulated clock on one call site with the
// wall clock on the other makes pauses permanent during replay.
//
// This is the PAUSED-to-TRADING edge of the state machine: when ref has
// reached the cooldown deadline the pause is cleared and the loss streak
// reset here, not by a background timer.
func (g *Guard) CheckTradingAllowed(ref time.Time) (bool, domain.PauseReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pausedUntil.IsZero() {
		return true, domain.PauseNone
	}
	if ref.Before(g.pausedUntil) {
		return false, g.reason
	}
	// Cooldown elapsed: back to TRADING with a fresh streak.
	g.pausedUntil = time.Time{}
	g.reason = domain.PauseNone
	g.consecutiveLosses = 0
	return true, domain.PauseNone
}

// Snapshot returns a copy of the guard state for scoring and persistence.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		HighWaterMark:     g.highWaterMark,
		Equity:            g.equity,
		DrawdownRatio:     g.drawdownLocked(),
		ConsecutiveLosses: g.consecutiveLosses,
		ObservedAt:        g.observedAt,
		PausedUntil:       g.pausedUntil,
		Reason:            g.reason,
	}
}

func (g *Guard) drawdownLocked() float64 {
	if g.highWaterMark <= 0 {
		return 0
	}
	dd := (g.highWaterMark - g.equity) / g.highWaterMark
	if dd < 0 {
		return 0
	}
	return dd
}

func (g *Guard) pauseLocked(ctx context.Context, reason domain.PauseReason, ref time.Time, fields map[string]interface{}) {
	g.pausedUntil = ref.Add(g.cfg.Cooldown)
	g.reason = reason
	fields["reason"] = string(reason)
	fields["until"] = g.pausedUntil
	g.logger.Warn(ctx, "Trading paused by drawdown guard", fields)
}
