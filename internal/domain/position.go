package domain

import (
	"fmt"
	"math"
	"time"
)

// SizeEpsilon bounds the acceptable floating drift between the sum of leg
// sizes and the tracked total. Base-asset quantities on major pairs carry at
// most 8 decimal places, so 1e-9 leaves an order of magnitude of headroom.
const SizeEpsilon = 1e-9

// PositionLeg is a single filled entry contributing to an aggregate position.
type PositionLeg struct {
	ID                 int64     // assigned by the repository
	EntryPrice         float64   // actual fill price of the entry order
	Size               float64   // base-asset units
	EntryTime          time.Time // reference time of the entry cycle
	AdjustedConfidence float64   // confidence after conditional scaling
	Strategy           string    // originating strategy name
	Regime             string    // market-regime label at entry
}

// Position is the aggregate of all currently-open entries on one instrument.
// It is owned exclusively by the tracker; the running sums keep the weighted
// average entry price an O(1) computation on every mutation.
type Position struct {
	ID     int64
	Symbol string
	Side   PositionSide
	Legs   []PositionLeg

	TotalSize    float64 // Σ leg.Size
	notionalSum  float64 // Σ leg.EntryPrice × leg.Size
	AverageEntry float64 // notionalSum / TotalSize

	// Consolidated protective pair covering the full aggregate, or empty
	// strings while no pair is resting on the exchange.
	TakeProfitOrderID string
	StopLossOrderID   string

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// NewPosition creates an empty aggregate for the given instrument.
func NewPosition(symbol string, side PositionSide) *Position {
	return &Position{Symbol: symbol, Side: side}
}

// AddLeg appends a filled entry and recomputes the weighted average.
func (p *Position) AddLeg(leg PositionLeg) error {
	if leg.Size <= 0 {
		return fmt.Errorf("leg size must be positive, got %v", leg.Size)
	}
	if leg.EntryPrice <= 0 {
		return fmt.Errorf("leg entry price must be positive, got %v", leg.EntryPrice)
	}
	p.Legs = append(p.Legs, leg)
	p.TotalSize += leg.Size
	p.notionalSum += leg.EntryPrice * leg.Size
	p.AverageEntry = p.notionalSum / p.TotalSize
	if p.OpenedAt.IsZero() {
		p.OpenedAt = leg.EntryTime
	}
	p.UpdatedAt = leg.EntryTime
	return nil
}

// ReduceSize removes filled exit quantity, consuming the oldest legs first.
// Partial consumption of a leg scales its notional contribution by the
// remaining fraction so the weighted average of what is left is unchanged.
func (p *Position) ReduceSize(size float64) error {
	if size <= 0 {
		return fmt.Errorf("reduce size must be positive, got %v", size)
	}
	if size > p.TotalSize+SizeEpsilon {
		return fmt.Errorf("reduce size %v exceeds open size %v", size, p.TotalSize)
	}
	remaining := size
	for remaining > SizeEpsilon && len(p.Legs) > 0 {
		leg := &p.Legs[0]
		if leg.Size <= remaining+SizeEpsilon {
			remaining -= leg.Size
			p.notionalSum -= leg.EntryPrice * leg.Size
			p.TotalSize -= leg.Size
			p.Legs = p.Legs[1:]
			continue
		}
		leg.Size -= remaining
		p.notionalSum -= leg.EntryPrice * remaining
		p.TotalSize -= remaining
		remaining = 0
	}
	if len(p.Legs) == 0 || p.TotalSize <= SizeEpsilon {
		p.resetSums()
		return nil
	}
	p.AverageEntry = p.notionalSum / p.TotalSize
	return nil
}

// IsFlat reports whether no exposure remains.
func (p *Position) IsFlat() bool {
	return len(p.Legs) == 0 && p.TotalSize == 0
}

// Clear removes all legs and protective order references.
func (p *Position) Clear() {
	p.resetSums()
	p.TakeProfitOrderID = ""
	p.StopLossOrderID = ""
}

func (p *Position) resetSums() {
	p.Legs = nil
	p.TotalSize = 0
	p.notionalSum = 0
	p.AverageEntry = 0
}

// CheckConsistency verifies Σ leg.size == TotalSize and that the stored
// average matches a full rescan, within SizeEpsilon. Used by tests and the
// tracker's internal assertions.
func (p *Position) CheckConsistency() error {
	var sizeSum, notional float64
	for _, leg := range p.Legs {
		sizeSum += leg.Size
		notional += leg.EntryPrice * leg.Size
	}
	if math.Abs(sizeSum-p.TotalSize) > SizeEpsilon {
		return fmt.Errorf("leg size sum %v diverged from total %v", sizeSum, p.TotalSize)
	}
	if sizeSum > SizeEpsilon {
		want := notional / sizeSum
		if math.Abs(want-p.AverageEntry) > SizeEpsilon*math.Max(1, want) {
			return fmt.Errorf("average entry %v diverged from recomputed %v", p.AverageEntry, want)
		}
	}
	return nil
}
