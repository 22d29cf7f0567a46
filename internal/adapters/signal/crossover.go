// Package signal provides the built-in moving-average crossover signal
// source. The engine treats any ports.SignalSource as an opaque
// collaborator; this one exists so the bot is usable without an external
// strategy service.
package signal

import (
	"context"
	"fmt"
	"math"

	"marginBot/internal/domain"
	"marginBot/internal/indicators"
	"marginBot/internal/ports"
)

// CrossoverConfig tunes the MA-crossover source.
type CrossoverConfig struct {
	ShortMAPeriod int
	LongMAPeriod  int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
}

// Crossover derives BUY/SELL/HOLD from the short-over-long EMA relationship,
// filtered by RSI to avoid chasing exhausted moves. Confidence scales with
// the separation between the averages and the RSI headroom.
type Crossover struct {
	cfg    CrossoverConfig
	logger ports.Logger
}

// NewCrossover validates the configuration and returns the source.
func NewCrossover(cfg CrossoverConfig, logger ports.Logger) (*Crossover, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ShortMAPeriod <= 0 || cfg.LongMAPeriod <= cfg.ShortMAPeriod {
		return nil, fmt.Errorf("MA periods must satisfy 0 < short < long")
	}
	if cfg.RSIPeriod <= 0 {
		return nil, fmt.Errorf("RSIPeriod must be positive, got %d", cfg.RSIPeriod)
	}
	if cfg.RSIOversold < 0 || cfg.RSIOverbought <= cfg.RSIOversold || cfg.RSIOverbought > 100 {
		return nil, fmt.Errorf("RSI thresholds must satisfy 0 <= oversold < overbought <= 100")
	}
	return &Crossover{cfg: cfg, logger: logger}, nil
}

// RequiredDataPoints returns the warm-up history the source needs.
func (s *Crossover) RequiredDataPoints() int {
	n := s.cfg.LongMAPeriod
	if r := s.cfg.RSIPeriod + 1; r > n {
		n = r
	}
	return n
}

// Next derives the signal for the current cycle. With insufficient history
// it reports HOLD rather than an error, so warm-up cycles pass through the
// engine as no-ops.
func (s *Crossover) Next(ctx context.Context, klines []*domain.Kline, currentPrice float64) (domain.Signal, error) {
	hold := domain.Signal{
		Action:               domain.ActionHold,
		MLConfidence:         -1,
		ContributingStrategy: "ma_crossover",
	}
	if len(klines) < s.RequiredDataPoints() {
		return hold, nil
	}

	closes := indicators.Closes(klines)
	shortMA, err := indicators.EMA(closes, s.cfg.ShortMAPeriod)
	if err != nil {
		return hold, fmt.Errorf("short EMA: %w", err)
	}
	longMA, err := indicators.EMA(closes, s.cfg.LongMAPeriod)
	if err != nil {
		return hold, fmt.Errorf("long EMA: %w", err)
	}
	rsi, err := indicators.RSI(closes, s.cfg.RSIPeriod)
	if err != nil {
		return hold, fmt.Errorf("RSI: %w", err)
	}
	if longMA <= 0 {
		return hold, nil
	}

	separation := (shortMA - longMA) / longMA
	regime := "ranging"
	if math.Abs(separation) > 0.01 {
		regime = "trending"
	}

	sig := domain.Signal{
		Action:               domain.ActionHold,
		MLConfidence:         -1,
		ContributingStrategy: "ma_crossover",
		Regime:               regime,
	}
	switch {
	case separation > 0 && rsi < s.cfg.RSIOverbought:
		sig.Action = domain.ActionBuy
		sig.StrategyConfidence = s.confidence(separation, (s.cfg.RSIOverbought-rsi)/s.cfg.RSIOverbought)
	case separation < 0 && rsi > s.cfg.RSIOversold:
		sig.Action = domain.ActionSell
		sig.StrategyConfidence = s.confidence(-separation, (rsi-s.cfg.RSIOversold)/(100-s.cfg.RSIOversold))
	}

	s.logger.Debug(ctx, "Crossover signal computed", map[string]interface{}{
		"action":     string(sig.Action),
		"shortMA":    shortMA,
		"longMA":     longMA,
		"rsi":        rsi,
		"separation": separation,
		"confidence": sig.StrategyConfidence,
	})
	return sig, nil
}

// confidence blends a base conviction with the trend separation and the RSI
// headroom toward the exhaustion threshold.
func (s *Crossover) confidence(separation, rsiHeadroom float64) float64 {
	c := 0.4 + math.Min(separation*25, 0.4) + 0.2*rsiHeadroom
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
