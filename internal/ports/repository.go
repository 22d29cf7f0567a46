package ports

import (
	"context"
	"time"

	"marginBot/internal/domain"
)

// PositionRepository stores the aggregate position per instrument, including
// its legs and consolidated protective order IDs. The tracker writes through
// to it after every completed mutation so a restart resumes from the last
// consistent aggregate, never a mid-protocol state.
type PositionRepository interface {
	// Save persists the aggregate (insert or full replace of its legs).
	// Assigns pos.ID on first save.
	Save(ctx context.Context, pos *domain.Position) error
	// FindOpenBySymbol retrieves the open aggregate for a symbol, if any.
	// Returns nil, nil when the instrument is flat.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// Delete removes a fully-closed aggregate.
	Delete(ctx context.Context, id int64) error
}

// OutcomeRepository stores realized trade outcomes for the Kelly estimator's
// trailing window and for post-hoc audit.
type OutcomeRepository interface {
	// Record saves an outcome and returns its assigned ID.
	Record(ctx context.Context, outcome *domain.TradeOutcome) (int64, error)
	// FindSince retrieves outcomes closed at or after the given reference
	// time, oldest first.
	FindSince(ctx context.Context, symbol string, since time.Time) ([]*domain.TradeOutcome, error)
}

// EquityRepository persists the drawdown guard's running state so a process
// restart re-seeds the correct high-water-mark instead of resetting it to
// the current (possibly drawn-down) equity.
type EquityRepository interface {
	// SaveHighWaterMark upserts the equity peak and its observation time.
	SaveHighWaterMark(ctx context.Context, equity float64, at time.Time) error
	// LoadHighWaterMark returns the persisted peak, or 0, nil when none
	// has been recorded yet.
	LoadHighWaterMark(ctx context.Context) (float64, error)
}
