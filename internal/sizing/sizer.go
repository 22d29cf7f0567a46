package sizing

import (
	"context"
	"fmt"
	"time"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
)

// SizerConfig holds the capital-sizing tuning for one deployment.
type SizerConfig struct {
	// Kelly estimate
	KellyLookback         time.Duration
	KellyMinSamples       int
	KellySafetyFactor     float64
	MaxKellyFraction      float64
	KellyFallbackFraction float64

	// Confidence tiers: [0, LowBoundary) low, [LowBoundary, HighBoundary)
	// medium, [HighBoundary, 1] high. Each tier maps to a fraction range
	// linearly interpolated by confidence within the tier.
	TierLowBoundary     float64
	TierHighBoundary    float64
	TierLowMinFraction  float64
	TierLowMaxFraction  float64
	TierMedMinFraction  float64
	TierMedMaxFraction  float64
	TierHighMinFraction float64
	TierHighMaxFraction float64

	// Absolute ceiling on fraction of equity per trade.
	HardCapFraction float64

	// Exchange minimum order increment in base units. Sizes below it are
	// rejected, never rounded up: rounding up inflates risk past the
	// sizing decision.
	MinOrderQty float64
}

// Sizer converts an admitted trade's confidence and account state into an
// order size by reconciling three candidates: the Kelly estimate from
// trailing outcomes, the confidence-tier estimate, and the hard equity cap.
// Stateless given its inputs; safe for concurrent use.
type Sizer struct {
	cfg    SizerConfig
	blend  Blender
	logger ports.Logger
}

// NewSizer validates the configuration and returns a sizer using the given
// blending policy (nil means the default minimum blender).
func NewSizer(cfg SizerConfig, blend Blender, logger ports.Logger) (*Sizer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.KellyLookback <= 0 || cfg.KellyMinSamples <= 0 {
		return nil, fmt.Errorf("KellyLookback and KellyMinSamples must be positive")
	}
	if cfg.KellySafetyFactor <= 0 || cfg.KellySafetyFactor > 1 {
		return nil, fmt.Errorf("KellySafetyFactor must be in (0,1], got %v", cfg.KellySafetyFactor)
	}
	if cfg.MaxKellyFraction <= 0 || cfg.MaxKellyFraction > 1 {
		return nil, fmt.Errorf("MaxKellyFraction must be in (0,1], got %v", cfg.MaxKellyFraction)
	}
	if cfg.TierLowBoundary <= 0 || cfg.TierHighBoundary <= cfg.TierLowBoundary || cfg.TierHighBoundary >= 1 {
		return nil, fmt.Errorf("tier boundaries must satisfy 0 < low < high < 1")
	}
	if cfg.HardCapFraction <= 0 || cfg.HardCapFraction > 1 {
		return nil, fmt.Errorf("HardCapFraction must be in (0,1], got %v", cfg.HardCapFraction)
	}
	if cfg.MinOrderQty <= 0 {
		return nil, fmt.Errorf("MinOrderQty must be positive, got %v", cfg.MinOrderQty)
	}
	if blend == nil {
		blend = MinimumBlender{}
	}
	return &Sizer{cfg: cfg, blend: blend, logger: logger}, nil
}

// Size computes the order size in base-asset units. The trailing window for
// the Kelly estimate is measured against ref, the caller's reference
// timestamp.
func (s *Sizer) Size(ctx context.Context, confidence, equity, currentPrice float64, outcomes []*domain.TradeOutcome, ref time.Time) (domain.PositionSizeResult, error) {
	if equity <= 0 {
		return domain.PositionSizeResult{}, fmt.Errorf("equity must be positive, got %v", equity)
	}
	if currentPrice <= 0 {
		return domain.PositionSizeResult{}, fmt.Errorf("current price must be positive, got %v", currentPrice)
	}
	if confidence < 0 || confidence > 1 {
		return domain.PositionSizeResult{}, fmt.Errorf("confidence must be in [0,1], got %v", confidence)
	}

	kellyFraction := s.kellyFraction(outcomes, ref)
	tierFraction := s.tierFraction(confidence)

	toUnits := func(fraction float64) float64 {
		return equity * fraction / currentPrice
	}

	result := domain.PositionSizeResult{
		KellyFraction: kellyFraction,
		KellySize:     toUnits(kellyFraction),
		TierSize:      toUnits(tierFraction),
		HardCapSize:   toUnits(s.cfg.HardCapFraction),
	}

	result.Size, result.Binding = s.blend.Blend(result.KellySize, result.TierSize, result.HardCapSize)

	if result.Size < s.cfg.MinOrderQty {
		s.logger.Debug(ctx, "Computed size below minimum order increment, rejecting", map[string]interface{}{
			"size":        result.Size,
			"minOrderQty": s.cfg.MinOrderQty,
		})
		result.Size = 0
		result.Rejected = true
		result.Binding = domain.ConstraintMinimumOrder
	}
	return result, nil
}

// kellyFraction derives the Kelly bet fraction from the trailing window, or
// the configured fallback when too few outcomes exist.
func (s *Sizer) kellyFraction(outcomes []*domain.TradeOutcome, ref time.Time) float64 {
	stats := ComputeWindow(outcomes, ref.Add(-s.cfg.KellyLookback))
	if stats.Samples < s.cfg.KellyMinSamples {
		return s.cfg.KellyFallbackFraction
	}

	p := stats.WinRate
	var k float64
	if payoff, ok := stats.PayoffRatio(); ok {
		if payoff <= 0 {
			k = 0 // no winning trades in the window
		} else {
			k = p - (1-p)/payoff
		}
	} else {
		// No losses observed: the loss term vanishes.
		k = p
	}

	if k < 0 {
		k = 0
	}
	if k > s.cfg.MaxKellyFraction {
		k = s.cfg.MaxKellyFraction
	}
	return k * s.cfg.KellySafetyFactor
}

// tierFraction maps confidence onto its tier's fraction range, linearly
// interpolated by where the confidence sits within the tier.
func (s *Sizer) tierFraction(confidence float64) float64 {
	var lo, hi, tLo, tHi float64
	switch {
	case confidence < s.cfg.TierLowBoundary:
		lo, hi = s.cfg.TierLowMinFraction, s.cfg.TierLowMaxFraction
		tLo, tHi = 0, s.cfg.TierLowBoundary
	case confidence < s.cfg.TierHighBoundary:
		lo, hi = s.cfg.TierMedMinFraction, s.cfg.TierMedMaxFraction
		tLo, tHi = s.cfg.TierLowBoundary, s.cfg.TierHighBoundary
	default:
		lo, hi = s.cfg.TierHighMinFraction, s.cfg.TierHighMaxFraction
		tLo, tHi = s.cfg.TierHighBoundary, 1
	}
	t := (confidence - tLo) / (tHi - tLo)
	return lo + t*(hi-lo)
}
