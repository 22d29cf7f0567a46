// Package tracking owns the set of open exposures per instrument. The
// tracker is a process-wide singleton with single-writer semantics: only the
// executor and the outcome-recording path mutate it, and every mutation
// leaves the aggregate in a completed state before the next cycle's readers
// observe it.
package tracking

import (
	"context"
	"fmt"
	"sync"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
)

// Tracker maintains one aggregate position per instrument with a
// volume-weighted average entry price and the identifiers of the
// consolidated protective pair. State is written through to the repository
// after each completed mutation so a restart resumes from the last
// consistent aggregate.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	repo      ports.PositionRepository
	logger    ports.Logger
}

// NewTracker creates an empty tracker backed by the given repository.
func NewTracker(repo ports.PositionRepository, logger ports.Logger) (*Tracker, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("repository and logger are required")
	}
	return &Tracker{
		positions: make(map[string]*domain.Position),
		repo:      repo,
		logger:    logger,
	}, nil
}

// Restore loads the persisted aggregate for a symbol, if any. Called once at
// startup before the cycle loop begins.
func (t *Tracker) Restore(ctx context.Context, symbol string) error {
	pos, err := t.repo.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to restore position for %s: %w", symbol, err)
	}
	if pos == nil {
		return nil
	}
	if err := pos.CheckConsistency(); err != nil {
		return fmt.Errorf("persisted position for %s is inconsistent: %w", symbol, err)
	}
	t.mu.Lock()
	t.positions[symbol] = pos
	t.mu.Unlock()
	t.logger.Info(ctx, "Restored open position", map[string]interface{}{
		"symbol":       symbol,
		"totalSize":    pos.TotalSize,
		"averageEntry": pos.AverageEntry,
		"legs":         len(pos.Legs),
	})
	return nil
}

// AddLeg registers a filled entry against the instrument's aggregate,
// creating the aggregate on the first fill. The weighted average is an O(1)
// running-sum update inside the aggregate.
func (t *Tracker) AddLeg(ctx context.Context, symbol string, side domain.PositionSide, leg domain.PositionLeg) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		pos = domain.NewPosition(symbol, side)
	} else if pos.Side != side {
		return fmt.Errorf("aggregate for %s is %s, cannot add %s leg", symbol, pos.Side, side)
	}

	// Snapshot so a failed persist leaves memory unchanged: the executor
	// rolls the exchange orders back on error, and a leg surviving here
	// would describe orders that no longer exist.
	snapshot := *pos
	snapshot.Legs = append([]domain.PositionLeg(nil), pos.Legs...)

	if err := pos.AddLeg(leg); err != nil {
		return err
	}
	if err := t.repo.Save(ctx, pos); err != nil {
		*pos = snapshot
		return fmt.Errorf("failed to persist position for %s: %w", symbol, err)
	}
	t.positions[symbol] = pos
	return nil
}

// ReduceSize removes closed quantity from the aggregate. When the aggregate
// reaches zero it is fully cleared and deleted from persistence.
func (t *Tracker) ReduceSize(ctx context.Context, symbol string, size float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if err := pos.ReduceSize(size); err != nil {
		return err
	}
	if pos.IsFlat() {
		return t.dropLocked(ctx, symbol, pos)
	}
	if err := t.repo.Save(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist position for %s: %w", symbol, err)
	}
	return nil
}

// SetProtectiveOrderIDs records the consolidated TP/SL pair covering the
// full aggregate.
func (t *Tracker) SetProtectiveOrderIDs(ctx context.Context, symbol, tpID, slID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	pos.TakeProfitOrderID = tpID
	pos.StopLossOrderID = slID
	if err := t.repo.Save(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist protective order IDs for %s: %w", symbol, err)
	}
	return nil
}

// ProtectiveOrderIDs returns the currently-resting consolidated pair, empty
// strings while none is placed.
func (t *Tracker) ProtectiveOrderIDs(symbol string) (tpID, slID string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos, ok := t.positions[symbol]; ok {
		return pos.TakeProfitOrderID, pos.StopLossOrderID
	}
	return "", ""
}

// AverageEntry returns the volume-weighted average entry price, or 0 when
// flat.
func (t *Tracker) AverageEntry(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos, ok := t.positions[symbol]; ok {
		return pos.AverageEntry
	}
	return 0
}

// Get returns a deep copy of the aggregate, or nil when flat. Readers never
// see the tracker's own instance.
func (t *Tracker) Get(symbol string) *domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	cp.Legs = append([]domain.PositionLeg(nil), pos.Legs...)
	return &cp
}

// OpenSymbols lists instruments with open exposure, for shutdown
// force-close.
func (t *Tracker) OpenSymbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	symbols := make([]string, 0, len(t.positions))
	for s := range t.positions {
		symbols = append(symbols, s)
	}
	return symbols
}

// Clear removes the aggregate and its protective references entirely (full
// exit or force-close).
func (t *Tracker) Clear(ctx context.Context, symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	return t.dropLocked(ctx, symbol, pos)
}

func (t *Tracker) dropLocked(ctx context.Context, symbol string, pos *domain.Position) error {
	pos.Clear()
	delete(t.positions, symbol)
	if pos.ID != 0 {
		if err := t.repo.Delete(ctx, pos.ID); err != nil {
			return fmt.Errorf("failed to delete closed position for %s: %w", symbol, err)
		}
	}
	t.logger.Info(ctx, "Position fully cleared", map[string]interface{}{"symbol": symbol})
	return nil
}
