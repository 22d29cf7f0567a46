package ports

import (
	"context"
	"time"

	"marginBot/internal/domain"
)

// OrderResponse represents the essential details returned after placing an
// order.
type OrderResponse struct {
	OrderID       string    // Exchange's order ID
	ClientOrderID string    // Engine-supplied idempotency ID
	Symbol        string    // Symbol for the order
	AvgFillPrice  float64   // Average filled price (0 until filled)
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g. NEW, FILLED, CANCELED)
	Timestamp     time.Time // Time the order response was generated
}

// OrderClient defines the exchange boundary consumed by the execution engine.
// This abstraction decouples the entry/rollback protocol from any specific
// exchange implementation; adapters wrap infrastructure failures with the
// sentinel errors in errors.go so the retry policy can classify them.
type OrderClient interface {
	// PlaceEntry places a market entry order. ClientOrderID is generated by
	// the caller and echoed back for audit.
	PlaceEntry(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*OrderResponse, error)

	// PlaceProtective places one leg of a consolidated protective pair as a
	// trigger-then-market order. Trigger-then-limit is deliberately not
	// offered: a limit resting at a fast-moving trigger level may never
	// fill, defeating the loss-protection purpose.
	PlaceProtective(ctx context.Context, symbol string, kind domain.ProtectiveKind, side domain.OrderSide, quantity, triggerPrice float64, clientOrderID string) (*OrderResponse, error)

	// CancelOrder cancels an open order. Returns ErrOrderNotFound when the
	// order no longer exists (already filled or cancelled).
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchFillPrice retrieves the average fill price for an order, used to
	// recompute protective levels against the actual fill rather than the
	// signal-time price.
	FetchFillPrice(ctx context.Context, symbol, orderID string) (float64, error)

	// GetAccountEquity retrieves the account equity in quote units.
	GetAccountEquity(ctx context.Context, asset string) (float64, error)

	// GetTickerPrice retrieves the last ticker price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetKlines retrieves historical candlesticks for signal warm-up.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// StreamKlines starts a candlestick stream driving the trading cycle.
	// Returns control channels (doneCh closes when the stream ends, stopCh
	// stops it) or an error if the connection fails.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error
}
