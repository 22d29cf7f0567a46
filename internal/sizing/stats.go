package sizing

import (
	"time"

	"marginBot/internal/domain"
)

// WindowStats summarizes the trailing trade outcomes feeding the Kelly
// estimate: win probability and average win/loss magnitudes over the window.
type WindowStats struct {
	Samples     int
	Wins        int
	Losses      int
	WinRate     float64
	AverageWin  float64 // mean positive PNL, quote units
	AverageLoss float64 // mean |negative PNL|, quote units
}

// PayoffRatio returns averageWin / averageLoss. With no observed losses the
// ratio is reported as +Inf via ok=false so callers can special-case it.
func (w WindowStats) PayoffRatio() (ratio float64, ok bool) {
	if w.AverageLoss == 0 {
		return 0, false
	}
	return w.AverageWin / w.AverageLoss, true
}

// ComputeWindow aggregates the outcomes closed at or after since. Outcomes
// are filtered against the caller's reference window, never against the wall
// clock: during simulation the wall clock sits outside the simulated range
// and would silently discard all history.
func ComputeWindow(outcomes []*domain.TradeOutcome, since time.Time) WindowStats {
	var w WindowStats
	var winSum, lossSum float64
	for _, o := range outcomes {
		if o == nil || o.ClosedAt.Before(since) {
			continue
		}
		w.Samples++
		if o.IsWin() {
			w.Wins++
			winSum += o.PNL
		} else {
			w.Losses++
			lossSum += -o.PNL
		}
	}
	if w.Samples > 0 {
		w.WinRate = float64(w.Wins) / float64(w.Samples)
	}
	if w.Wins > 0 {
		w.AverageWin = winSum / float64(w.Wins)
	}
	if w.Losses > 0 {
		w.AverageLoss = lossSum / float64(w.Losses)
	}
	return w
}
