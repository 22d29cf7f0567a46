package domain

import "time"

// Signal is the (action, confidence) pair produced by the strategy layer.
// MLConfidence is negative when no model output is available for the cycle.
type Signal struct {
	Action               SignalAction
	StrategyConfidence   float64 // in [0,1]
	MLConfidence         float64 // in [0,1], or < 0 when absent
	ContributingStrategy string
	Regime               string // market-regime label used only as entry metadata
}

// HasMLConfidence reports whether a model confidence accompanied the signal.
func (s Signal) HasMLConfidence() bool {
	return s.MLConfidence >= 0
}

// AnomalySnapshot carries externally observed anomaly measurements for the
// cycle. Latencies are raw observations; the scorer normalizes them against
// configured warning/critical thresholds.
type AnomalySnapshot struct {
	APILatency     time.Duration // most recent exchange round-trip
	AnomalyFlagged bool          // upstream detector verdict, if any
}

// AccountSnapshot is the account state captured at the start of a cycle.
type AccountSnapshot struct {
	Equity       float64 // account equity in quote units
	OpenExposure float64 // aggregate open position value in quote units
}

// EvaluationRequest is the immutable input for one trading cycle.
// ReferenceTime is the engine's only notion of "now": in live mode it is the
// wall clock captured by the caller, in simulation it is the advancing
// simulated clock. Components must never read time.Now themselves.
type EvaluationRequest struct {
	Signal        Signal
	Symbol        string
	CurrentPrice  float64
	Volatility    float64 // normalized recent volatility in [0,1]
	Anomaly       AnomalySnapshot
	Account       AccountSnapshot
	ReferenceTime time.Time
}
