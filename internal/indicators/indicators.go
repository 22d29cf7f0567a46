// Package indicators provides the technical calculations shared by the
// signal adapter and the volatility normalization feeding risk scoring.
package indicators

import (
	"fmt"

	"marginBot/internal/domain"
)

// volatilityFullScale is the ATR-to-price ratio that maps to maximum
// volatility risk. A 5% average true range on a major pair is extreme.
const volatilityFullScale = 0.05

// Closes extracts the close prices from a kline series.
func Closes(klines []*domain.Kline) []float64 {
	out := make([]float64, 0, len(klines))
	for _, k := range klines {
		if k != nil {
			out = append(out, k.Close)
		}
	}
	return out
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("need %d values for SMA, have %d", period, len(values))
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average over the series, seeded with an
// SMA of the first period values.
func EMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("need %d values for EMA, have %d", period, len(values))
	}
	seed, err := SMA(values[:period], period)
	if err != nil {
		return 0, err
	}
	multiplier := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema, nil
}

// RSI returns the relative strength index (0-100) over the last period
// deltas using Wilder's smoothing.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(values) < period+1 {
		return 0, fmt.Errorf("need %d values for RSI, have %d", period+1, len(values))
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// ATR returns the average true range over the last period klines.
func ATR(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(klines) < period+1 {
		return 0, fmt.Errorf("need %d klines for ATR, have %d", period+1, len(klines))
	}
	start := len(klines) - period
	var sum float64
	for i := start; i < len(klines); i++ {
		sum += klines[i].TrueRange(klines[i-1].Close)
	}
	return sum / float64(period), nil
}

// NormalizedVolatility maps the ATR-to-price ratio onto [0,1] for risk
// scoring. With too little data it reports maximum volatility, failing
// closed rather than scoring an unknown market as calm.
func NormalizedVolatility(klines []*domain.Kline, period int) float64 {
	atr, err := ATR(klines, period)
	if err != nil {
		return 1
	}
	last := klines[len(klines)-1].Close
	if last <= 0 {
		return 1
	}
	v := atr / last / volatilityFullScale
	if v != v || v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
