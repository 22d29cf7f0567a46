package domain

// SizeConstraint names which candidate bound a size decision.
type SizeConstraint string

const (
	ConstraintKelly          SizeConstraint = "kelly"
	ConstraintConfidenceTier SizeConstraint = "confidence_tier"
	ConstraintHardCap        SizeConstraint = "hard_cap"
	ConstraintMinimumOrder   SizeConstraint = "minimum_order" // rejected: below exchange increment
)

// PositionSizeResult carries the final size together with every candidate
// that was blended, so under-sizing can be traced to the binding constraint.
type PositionSizeResult struct {
	Size     float64 // base-asset units; 0 when Rejected
	Rejected bool    // true when the computed size fell below the minimum order increment

	KellySize   float64
	TierSize    float64
	HardCapSize float64

	KellyFraction float64 // fraction of equity implied by the Kelly estimate
	Binding       SizeConstraint
}

// ExecutionResult is the outward-facing outcome of one evaluate-and-execute
// cycle.
type ExecutionResult struct {
	Executed        bool
	EntryOrderID    string
	TakeProfitID    string
	StopLossID      string
	FillPrice       float64
	Size            float64
	RejectionReason string
	Risk            RiskEvaluation
}
