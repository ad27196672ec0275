// Package observability provides Prometheus metrics and logger construction.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Intake metrics
	SignalsReceived *prometheus.CounterVec
	SignalsDropped  *prometheus.CounterVec

	// Decision metrics
	PlansCreated  *prometheus.CounterVec
	RiskDecisions *prometheus.CounterVec
	RiskLatency   prometheus.Histogram

	// Dispatch metrics
	Dispatches         *prometheus.CounterVec
	DispatchLatency    *prometheus.HistogramVec
	IdempotencyReplays prometheus.Counter
	StoreRetries       *prometheus.CounterVec
	VenueRetries       *prometheus.CounterVec
	LateResults        prometheus.Counter

	// Portfolio metrics
	Exposure prometheus.Gauge
	Drawdown prometheus.Gauge
	Equity   prometheus.Gauge

	// Backtest metrics
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	ChaosApplied *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulDispatch prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sniper"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Intake metrics
		SignalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "signals_received_total",
			Help:      "Total number of normalized signals by event type",
		}, []string{"event_type"}),
		SignalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "signals_dropped_total",
			Help:      "Total number of signals dropped during normalization by reason",
		}, []string{"reason"}),

		// Decision metrics
		PlansCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "plans_created_total",
			Help:      "Total number of trade plans by mode and strategy",
		}, []string{"mode", "strategy"}),
		RiskDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Total number of risk decisions by verdict",
		}, []string{"verdict"}),
		RiskLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "evaluation_latency_seconds",
			Help:      "Risk evaluation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		// Dispatch metrics
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Total number of execution results by target and outcome",
		}, []string{"target", "outcome"}),
		DispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Dispatch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		IdempotencyReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "idempotency_replays_total",
			Help:      "Total number of dispatches answered from the idempotency store",
		}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "store_retries_total",
			Help:      "Total number of idempotency store retries by operation",
		}, []string{"operation"}),
		VenueRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "venue_retries_total",
			Help:      "Total number of submissions retried after the venue reported it was unavailable",
		}, []string{"target"}),
		LateResults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "late_results_total",
			Help:      "Total number of venue results discarded after the plan deadline",
		}),

		// Portfolio metrics
		Exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "exposure",
			Help:      "Aggregate marked exposure including pending reservations",
		}),
		Drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "drawdown_ratio",
			Help:      "Running drawdown as a fraction of peak equity",
		}),
		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "equity",
			Help:      "Marked portfolio equity",
		}),

		// Backtest metrics
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by kind and status",
		}, []string{"kind", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Backtest run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		ChaosApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chaos",
			Name:      "perturbations_total",
			Help:      "Total number of chaos perturbations applied by kind",
		}, []string{"kind"}),

		// Database metrics
		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulDispatch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_dispatch_timestamp",
			Help:      "Unix timestamp of last successful fill",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordSignalReceived increments the received counter for eventType.
func RecordSignalReceived(eventType string) {
	DefaultMetrics.SignalsReceived.WithLabelValues(eventType).Inc()
}

// RecordSignalDropped increments the dropped counter for reason.
func RecordSignalDropped(reason string) {
	DefaultMetrics.SignalsDropped.WithLabelValues(reason).Inc()
}

// RecordPlanCreated increments the plan counter.
func RecordPlanCreated(mode, strategy string) {
	DefaultMetrics.PlansCreated.WithLabelValues(mode, strategy).Inc()
}

// RecordRiskDecision records a verdict and its evaluation latency.
func RecordRiskDecision(verdict string, seconds float64) {
	DefaultMetrics.RiskDecisions.WithLabelValues(verdict).Inc()
	DefaultMetrics.RiskLatency.Observe(seconds)
}

// RecordDispatch records a dispatch outcome.
func RecordDispatch(target, outcome string, seconds float64) {
	DefaultMetrics.Dispatches.WithLabelValues(target, outcome).Inc()
	DefaultMetrics.DispatchLatency.WithLabelValues(target).Observe(seconds)
}

// RecordIdempotencyReplay increments the replay counter.
func RecordIdempotencyReplay() {
	DefaultMetrics.IdempotencyReplays.Inc()
}

// RecordStoreRetry increments the store retry counter for operation.
func RecordStoreRetry(operation string) {
	DefaultMetrics.StoreRetries.WithLabelValues(operation).Inc()
}

// RecordVenueRetry increments the venue retry counter for target.
func RecordVenueRetry(target string) {
	DefaultMetrics.VenueRetries.WithLabelValues(target).Inc()
}

// RecordLateResult increments the late result counter.
func RecordLateResult() {
	DefaultMetrics.LateResults.Inc()
}

// UpdatePortfolio sets the portfolio gauges.
func UpdatePortfolio(equity, exposure, drawdown float64) {
	DefaultMetrics.Equity.Set(equity)
	DefaultMetrics.Exposure.Set(exposure)
	DefaultMetrics.Drawdown.Set(drawdown)
}

// RecordRun records a backtest, walk-forward or chaos run.
func RecordRun(kind, status string, durationSeconds float64) {
	DefaultMetrics.RunsTotal.WithLabelValues(kind, status).Inc()
	DefaultMetrics.RunDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordChaosApplied increments the perturbation counter for kind.
func RecordChaosApplied(kind string) {
	DefaultMetrics.ChaosApplied.WithLabelValues(kind).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordFill marks the time of the last successful fill.
func RecordFill(unixSeconds float64) {
	DefaultMetrics.LastSuccessfulDispatch.Set(unixSeconds)
}
