package domain

import "time"

// TradeOutcome is the immutable record of one closed trade. It feeds the
// drawdown guard and the Kelly estimator's trailing-window statistics.
type TradeOutcome struct {
	ID          int64
	Symbol      string
	Strategy    string
	PNL         float64 // realized profit/loss in quote units
	EntryPrice  float64
	ExitPrice   float64
	Size        float64
	CloseReason CloseReason
	ClosedAt    time.Time // reference time of the closing cycle
}

// IsWin reports whether the trade realized a profit.
func (o TradeOutcome) IsWin() bool {
	return o.PNL > 0
}
