package ports

import (
	"context"

	"marginBot/internal/domain"
)

// SignalSource produces one (action, confidence) pair per trading cycle.
// Signal generation is an external collaborator: the engine treats the pair
// as an opaque input and never inspects how confidence was computed.
type SignalSource interface {
	// RequiredDataPoints returns the minimum number of klines the source
	// needs before it can emit meaningful signals.
	RequiredDataPoints() int

	// Next derives the signal for the current cycle from recent market data.
	Next(ctx context.Context, klines []*domain.Kline, currentPrice float64) (domain.Signal, error)
}
