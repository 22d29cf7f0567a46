package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    string
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}

// TrueRange returns the true range of this kline against the previous close,
// the building block of the ATR-based volatility measure.
func (k Kline) TrueRange(prevClose float64) float64 {
	tr := k.High - k.Low
	if d := k.High - prevClose; d < 0 {
		d = -d
		if d > tr {
			tr = d
		}
	} else if d > tr {
		tr = d
	}
	if d := k.Low - prevClose; d < 0 {
		d = -d
		if d > tr {
			tr = d
		}
	} else if d > tr {
		tr = d
	}
	return tr
}
