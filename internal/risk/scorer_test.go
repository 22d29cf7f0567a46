package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginBot/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testScorerConfig() ScorerConfig {
	return ScorerConfig{
		WeightDisagreement:     0.25,
		WeightAnomaly:          0.15,
		WeightDrawdown:         0.25,
		WeightLossStreak:       0.20,
		WeightVolatility:       0.15,
		DenyThreshold:          0.75,
		ConditionalThreshold:   0.50,
		AnomalyWarnLatency:     500 * time.Millisecond,
		AnomalyCriticalLatency: 2 * time.Second,
		MaxDrawdown:            0.10,
		ConsecutiveLossLimit:   5,
	}
}

func baseRequest() domain.EvaluationRequest {
	return domain.EvaluationRequest{
		Signal: domain.Signal{
			Action:             domain.ActionBuy,
			StrategyConfidence: 0.7,
			MLConfidence:       0.65,
		},
		Symbol:        "ETHUSDT",
		CurrentPrice:  2000,
		Volatility:    0.2,
		Account:       domain.AccountSnapshot{Equity: 100000},
		ReferenceTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateAllowsCalmConditions(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	eval := s.Evaluate(context.Background(), baseRequest(), State{})
	assert.Equal(t, domain.DecisionAllow, eval.Decision)
	assert.Less(t, eval.Score, 0.5)
	assert.Empty(t, eval.Reasons)
}

func TestEvaluateDeniesUnderStress(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	req := baseRequest()
	req.Signal.MLConfidence = 0.05 // strong disagreement
	req.Volatility = 1.0
	req.Anomaly = domain.AnomalySnapshot{APILatency: 1250 * time.Millisecond}
	dd := State{DrawdownRatio: 0.09, ConsecutiveLosses: 4}

	eval := s.Evaluate(context.Background(), req, dd)
	assert.Equal(t, domain.DecisionDeny, eval.Decision)
	assert.NotEmpty(t, eval.Reasons)
	assert.Equal(t, domain.RiskVolatility, eval.DominantComponent())
}

func TestEvaluateConditionalBand(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	req := baseRequest()
	req.Volatility = 0.9
	req.Signal.MLConfidence = 0.2
	dd := State{DrawdownRatio: 0.05, ConsecutiveLosses: 3}

	eval := s.Evaluate(context.Background(), req, dd)
	assert.Equal(t, domain.DecisionConditional, eval.Decision)
}

// Composite score stays in [0,1] no matter how far out of range the inputs
// are: every sub-score is clamped before weighting.
func TestEvaluateScoreBoundedUnderAdversarialInputs(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  domain.EvaluationRequest
		dd   State
	}{
		{"extreme positive", func() domain.EvaluationRequest {
			r := baseRequest()
			r.Volatility = 1e9
			r.Signal.StrategyConfidence = 50
			r.Signal.MLConfidence = -0.0001 // treated as absent
			r.Anomaly.APILatency = time.Hour
			return r
		}(), State{DrawdownRatio: 1e6, ConsecutiveLosses: 1 << 30}},
		{"extreme negative", func() domain.EvaluationRequest {
			r := baseRequest()
			r.Volatility = -1e9
			return r
		}(), State{DrawdownRatio: -5}},
		{"NaN volatility", func() domain.EvaluationRequest {
			r := baseRequest()
			r.Volatility = math.NaN()
			return r
		}(), State{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := s.Evaluate(context.Background(), tc.req, tc.dd)
			assert.GreaterOrEqual(t, eval.Score, 0.0)
			assert.LessOrEqual(t, eval.Score, 1.0)
			for name, v := range eval.Components {
				assert.GreaterOrEqualf(t, v, 0.0, "component %s", name)
				assert.LessOrEqualf(t, v, 1.0, "component %s", name)
			}
		})
	}
}

func TestDisagreementZeroWithoutModelOutput(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	req := baseRequest()
	req.Signal.MLConfidence = -1

	eval := s.Evaluate(context.Background(), req, State{})
	assert.Zero(t, eval.Components[domain.RiskModelDisagreement])
}

func TestAnomalyLatencyBand(t *testing.T) {
	s, err := NewScorer(testScorerConfig(), nopLogger{})
	require.NoError(t, err)

	req := baseRequest()
	req.Anomaly.APILatency = 200 * time.Millisecond
	eval := s.Evaluate(context.Background(), req, State{})
	assert.Zero(t, eval.Components[domain.RiskAnomaly])

	req.Anomaly.APILatency = 1250 * time.Millisecond // halfway between warn and critical
	eval = s.Evaluate(context.Background(), req, State{})
	assert.InDelta(t, 0.5, eval.Components[domain.RiskAnomaly], 1e-9)

	req.Anomaly.APILatency = 0
	req.Anomaly.AnomalyFlagged = true
	eval = s.Evaluate(context.Background(), req, State{})
	assert.Equal(t, 1.0, eval.Components[domain.RiskAnomaly])
}

// A panicking sub-score fails closed as maximum risk for that component.
func TestSubScorePanicFailsClosed(t *testing.T) {
	cfg := testScorerConfig()
	cfg.ConsecutiveLossLimit = 1
	cfg.MaxDrawdown = 0.1
	s, err := NewScorer(cfg, nopLogger{})
	require.NoError(t, err)

	// Division by a zero limit is impossible after config validation; drive
	// the recover path directly instead.
	got := s.safeComponent(context.Background(), domain.RiskVolatility, func() float64 {
		panic("boom")
	})
	assert.Equal(t, 1.0, got)
}

func TestNewScorerRejectsBadWeights(t *testing.T) {
	cfg := testScorerConfig()
	cfg.WeightVolatility = 0.5 // sum now 1.35
	_, err := NewScorer(cfg, nopLogger{})
	require.Error(t, err)
}
