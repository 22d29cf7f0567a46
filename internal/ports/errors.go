package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// retry policy can classify failures as transient, permanent, or not-found
// without inspecting exchange-specific error codes.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Errors — transient (retried with backoff)
	ErrExchangeUnavailable = errors.New("exchange API is unavailable")
	ErrConnectionFailed    = errors.New("failed to connect to the exchange")
	ErrRateLimited         = errors.New("API rate limit exceeded")

	// Exchange Errors — permanent (never retried)
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrInvalidInstrument    = errors.New("unknown or untradable instrument")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// ErrOrderNotFound is tolerated as success during rollback cancellation:
	// the order was already filled or cancelled.
	ErrOrderNotFound = errors.New("order not found on the exchange")

	// ErrUnhedgedExposure is the fatal, operator-visible escalation raised
	// when rollback cancellation exhausts its retries and an exposure is
	// left without protective orders.
	ErrUnhedgedExposure = errors.New("rollback failed: un-hedged exposure requires operator intervention")

	// Database Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)

// IsTransient reports whether an exchange error is worth retrying with
// backoff. Timeouts consume a retry slot like any other transient failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}
