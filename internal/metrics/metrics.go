// Package metrics exposes the engine's operational counters over Prometheus.
// Every un-hedged-exposure incident must be visible on a dashboard, not only
// in logs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec // decision: ALLOW|CONDITIONAL|DENY|PAUSED
	RiskScore          prometheus.Histogram

	ProtocolOutcomes *prometheus.CounterVec // result: success|failed
	RollbackFailures prometheus.Counter
	UnhedgedExposure prometheus.Gauge // 1 while an un-hedged exposure awaits an operator

	TradesClosed *prometheus.CounterVec // reason: SL|TP|MANUAL|SHUTDOWN
	RealizedPNL  prometheus.Gauge       // cumulative, quote units
	OpenExposure prometheus.Gauge       // quote units
	Equity       prometheus.Gauge
}

// New registers the engine collectors on reg (nil means the default
// registerer).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_admission_decisions_total",
			Help: "Admission-control outcomes per decision.",
		}, []string{"decision"}),
		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marginbot_risk_score",
			Help:    "Composite risk score distribution.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ProtocolOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_entry_protocol_total",
			Help: "Atomic entry protocol terminal states.",
		}, []string{"result"}),
		RollbackFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "marginbot_rollback_failures_total",
			Help: "Rollback cancellations that exhausted their retry budget.",
		}),
		UnhedgedExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marginbot_unhedged_exposure",
			Help: "Set to 1 while an exposure without protective orders awaits operator intervention.",
		}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_trades_closed_total",
			Help: "Closed trades per close reason.",
		}, []string{"reason"}),
		RealizedPNL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marginbot_realized_pnl",
			Help: "Cumulative realized profit and loss, quote units.",
		}),
		OpenExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marginbot_open_exposure",
			Help: "Aggregate open position value, quote units.",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marginbot_equity",
			Help: "Account equity, quote units.",
		}),
	}
}

// Serve exposes /metrics on addr. Blocks until the server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
