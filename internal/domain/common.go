package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for an entry placed on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide represents the direction of an open exposure.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// EntrySide returns the order side used to open exposure on this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// CloseSide returns the order side used to reduce exposure on this side.
func (s PositionSide) CloseSide() OrderSide {
	return s.EntrySide().Opposite()
}

// SignalAction is the direction requested by the strategy layer.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// ProtectiveKind distinguishes the two legs of a consolidated protective pair.
type ProtectiveKind string

const (
	TakeProfit ProtectiveKind = "TP"
	StopLoss   ProtectiveKind = "SL"
)

// Decision is the admission-control outcome for a proposed trade.
type Decision string

const (
	DecisionAllow       Decision = "ALLOW"
	DecisionConditional Decision = "CONDITIONAL"
	DecisionDeny        Decision = "DENY"
)

// PauseReason indicates why new entries are suspended.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseDrawdown   PauseReason = "MAX_DRAWDOWN"
	PauseLossStreak PauseReason = "LOSS_STREAK"
	PauseExternal   PauseReason = "EXTERNAL"
)

// CloseReason indicates why a position (or part of it) was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonShutdown   CloseReason = "SHUTDOWN"
	CloseReasonUnknown    CloseReason = "Unknown"
)
