package risk

import (
	"context"
	"fmt"
	"time"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
)

// ScorerConfig holds the admission-control tuning for one deployment. Every
// threshold is externally configured; latency distributions in particular
// vary too much between deployments for compiled-in constants.
type ScorerConfig struct {
	WeightDisagreement float64
	WeightAnomaly      float64
	WeightDrawdown     float64
	WeightLossStreak   float64
	WeightVolatility   float64

	DenyThreshold        float64
	ConditionalThreshold float64

	AnomalyWarnLatency     time.Duration
	AnomalyCriticalLatency time.Duration

	MaxDrawdown          float64
	ConsecutiveLossLimit int
}

// Scorer computes the composite admission score for a proposed trade. It is
// a pure function of the request and the guard snapshot: all mutation
// happens downstream in the executor and the guard.
type Scorer struct {
	cfg    ScorerConfig
	logger ports.Logger
}

// NewScorer validates the configuration and returns a scorer.
func NewScorer(cfg ScorerConfig, logger ports.Logger) (*Scorer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	sum := cfg.WeightDisagreement + cfg.WeightAnomaly + cfg.WeightDrawdown +
		cfg.WeightLossStreak + cfg.WeightVolatility
	if sum < 0.999 || sum > 1.001 {
		return nil, fmt.Errorf("risk weights must sum to 1.0, got %v", sum)
	}
	if cfg.ConditionalThreshold >= cfg.DenyThreshold {
		return nil, fmt.Errorf("conditional threshold %v must be below deny threshold %v",
			cfg.ConditionalThreshold, cfg.DenyThreshold)
	}
	if cfg.AnomalyWarnLatency <= 0 || cfg.AnomalyCriticalLatency <= cfg.AnomalyWarnLatency {
		return nil, fmt.Errorf("anomaly latency thresholds must satisfy 0 < warn < critical")
	}
	if cfg.MaxDrawdown <= 0 || cfg.ConsecutiveLossLimit <= 0 {
		return nil, fmt.Errorf("MaxDrawdown and ConsecutiveLossLimit must be positive")
	}
	return &Scorer{cfg: cfg, logger: logger}, nil
}

// Evaluate computes the five clamped sub-scores, weights them, and maps the
// composite onto ALLOW / CONDITIONAL / DENY. Each sub-score is clamped to
// [0,1] before weighting; unclamped sub-scores historically pushed the
// composite above 100% and blocked all trading.
func (s *Scorer) Evaluate(ctx context.Context, req domain.EvaluationRequest, dd State) domain.RiskEvaluation {
	components := map[domain.RiskComponent]float64{
		domain.RiskModelDisagreement: s.safeComponent(ctx, domain.RiskModelDisagreement, func() float64 {
			return s.disagreementScore(req.Signal)
		}),
		domain.RiskAnomaly: s.safeComponent(ctx, domain.RiskAnomaly, func() float64 {
			return s.anomalyScore(req.Anomaly)
		}),
		domain.RiskDrawdown: s.safeComponent(ctx, domain.RiskDrawdown, func() float64 {
			return dd.DrawdownRatio / s.cfg.MaxDrawdown
		}),
		domain.RiskLossStreak: s.safeComponent(ctx, domain.RiskLossStreak, func() float64 {
			return float64(dd.ConsecutiveLosses) / float64(s.cfg.ConsecutiveLossLimit)
		}),
		domain.RiskVolatility: s.safeComponent(ctx, domain.RiskVolatility, func() float64 {
			return req.Volatility
		}),
	}

	score := s.cfg.WeightDisagreement*components[domain.RiskModelDisagreement] +
		s.cfg.WeightAnomaly*components[domain.RiskAnomaly] +
		s.cfg.WeightDrawdown*components[domain.RiskDrawdown] +
		s.cfg.WeightLossStreak*components[domain.RiskLossStreak] +
		s.cfg.WeightVolatility*components[domain.RiskVolatility]
	score = clamp01(score)

	eval := domain.RiskEvaluation{
		Score:      score,
		Components: components,
	}

	switch {
	case score >= s.cfg.DenyThreshold:
		eval.Decision = domain.DecisionDeny
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("composite risk %.3f at or above deny threshold %.3f", score, s.cfg.DenyThreshold))
		for name, v := range components {
			if v >= s.cfg.DenyThreshold {
				eval.Reasons = append(eval.Reasons, fmt.Sprintf("%s risk at %.3f", name, v))
			}
		}
	case score >= s.cfg.ConditionalThreshold:
		eval.Decision = domain.DecisionConditional
	default:
		eval.Decision = domain.DecisionAllow
	}
	return eval
}

// safeComponent clamps the sub-score to [0,1] and fails closed: a panic in
// a sub-score computation scores that component at maximum risk rather than
// propagating.
func (s *Scorer) safeComponent(ctx context.Context, name domain.RiskComponent, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("risk sub-score panicked: %v", r),
				"Risk component failed closed", map[string]interface{}{"component": string(name)})
			score = 1.0
		}
	}()
	return clamp01(fn())
}

// disagreementScore measures the distance between strategy and model
// confidence. With no model output there is nothing to disagree with.
func (s *Scorer) disagreementScore(sig domain.Signal) float64 {
	if !sig.HasMLConfidence() {
		return 0
	}
	d := sig.StrategyConfidence - sig.MLConfidence
	if d < 0 {
		d = -d
	}
	return d
}

// anomalyScore normalizes the observed API latency against the configured
// warning/critical band. An explicit upstream anomaly flag scores maximum
// risk regardless of latency.
func (s *Scorer) anomalyScore(a domain.AnomalySnapshot) float64 {
	if a.AnomalyFlagged {
		return 1.0
	}
	if a.APILatency <= s.cfg.AnomalyWarnLatency {
		return 0
	}
	if a.APILatency >= s.cfg.AnomalyCriticalLatency {
		return 1.0
	}
	span := float64(s.cfg.AnomalyCriticalLatency - s.cfg.AnomalyWarnLatency)
	return float64(a.APILatency-s.cfg.AnomalyWarnLatency) / span
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN fails closed
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
