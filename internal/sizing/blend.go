package sizing

import "marginBot/internal/domain"

// Blender reconciles the three candidate sizes into a final one. The policy
// is tunable per deployment; historical revisions of this algorithm switched
// between a weighted average and the minimum, and the blend is deliberately
// kept behind this seam.
type Blender interface {
	Blend(kelly, tier, hardCap float64) (size float64, binding domain.SizeConstraint)
	Name() string
}

// MinimumBlender takes the most conservative candidate. This is the default:
// a weighted average lets one outlier candidate dominate the final size.
type MinimumBlender struct{}

func (MinimumBlender) Name() string { return "minimum" }

func (MinimumBlender) Blend(kelly, tier, hardCap float64) (float64, domain.SizeConstraint) {
	size, binding := kelly, domain.ConstraintKelly
	if tier < size {
		size, binding = tier, domain.ConstraintConfidenceTier
	}
	if hardCap < size {
		size, binding = hardCap, domain.ConstraintHardCap
	}
	return size, binding
}

// WeightedBlender averages the Kelly and tier candidates, still ceilinged by
// the hard cap. Kept as a tunable alternative; not the default.
type WeightedBlender struct {
	KellyWeight float64
	TierWeight  float64
}

func (WeightedBlender) Name() string { return "weighted" }

func (b WeightedBlender) Blend(kelly, tier, hardCap float64) (float64, domain.SizeConstraint) {
	kw, tw := b.KellyWeight, b.TierWeight
	if kw <= 0 && tw <= 0 {
		kw, tw = 0.5, 0.5
	}
	size := (kelly*kw + tier*tw) / (kw + tw)
	binding := domain.ConstraintKelly
	if tier < kelly {
		binding = domain.ConstraintConfidenceTier
	}
	if hardCap < size {
		return hardCap, domain.ConstraintHardCap
	}
	return size, binding
}

// NewBlender maps a configured policy name onto its implementation. Unknown
// names fall back to the minimum blender.
func NewBlender(policy string) Blender {
	if policy == "weighted" {
		return WeightedBlender{KellyWeight: 0.5, TierWeight: 0.5}
	}
	return MinimumBlender{}
}
