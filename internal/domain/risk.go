package domain

// RiskComponent names one clamped sub-score of the composite risk score.
type RiskComponent string

const (
	RiskModelDisagreement RiskComponent = "model_disagreement"
	RiskAnomaly           RiskComponent = "anomaly"
	RiskDrawdown          RiskComponent = "drawdown"
	RiskLossStreak        RiskComponent = "loss_streak"
	RiskVolatility        RiskComponent = "volatility"
)

// RiskEvaluation is the admission-control output for one cycle. Score is the
// weighted sum of the component scores; every component is clamped to [0,1]
// before weighting, so Score itself stays in [0,1].
type RiskEvaluation struct {
	Decision   Decision
	Score      float64
	Components map[RiskComponent]float64
	Reasons    []string // human-readable denial reasons, may be empty
}

// DominantComponent returns the component contributing the highest clamped
// sub-score, for admission logging. Empty when no components were computed.
func (e RiskEvaluation) DominantComponent() RiskComponent {
	var top RiskComponent
	best := -1.0
	for name, v := range e.Components {
		if v > best || (v == best && name < top) {
			top, best = name, v
		}
	}
	return top
}
