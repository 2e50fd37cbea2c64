// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_outcomes_total",
			Help: "Request outcomes ingested from the event source",
		},
		[]string{"pool", "result"},
	)

	parseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poolwatch_parse_errors_total",
			Help: "Malformed log lines dropped by the parser",
		},
	)

	sourceAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolwatch_source_available",
			Help: "Whether the event source is currently readable (1) or stalled (0)",
		},
	)

	// Health metrics
	errorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_pool_error_rate",
			Help: "Sliding-window error rate per pool",
		},
		[]string{"pool"},
	)

	healthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_pool_health_state",
			Help: "Committed health state per pool (0=healthy, 1=degraded, 2=down)",
		},
		[]string{"pool"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_health_transitions_total",
			Help: "Committed health state transitions",
		},
		[]string{"pool", "to"},
	)

	// Switch metrics
	activePool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_active_pool",
			Help: "Which pool is active (1 for the active pool, 0 for the standby)",
		},
		[]string{"pool"},
	)

	switchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_switches_total",
			Help: "Switch attempts by reason and result",
		},
		[]string{"reason", "result"},
	)

	reloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolwatch_reload_duration_seconds",
			Help:    "Proxy reload confirmation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Alert metrics
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_alerts_total",
			Help: "Alerts by type and outcome (dispatched, suppressed, dropped)",
		},
		[]string{"type", "outcome"},
	)

	alertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_alert_deliveries_total",
			Help: "Sink delivery results",
		},
		[]string{"sink", "result"},
	)

	alertQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolwatch_alert_queue_depth",
			Help: "Alerts waiting for delivery",
		},
	)
)

// RecordOutcome counts one ingested request outcome.
func RecordOutcome(pool string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	outcomesTotal.WithLabelValues(pool, result).Inc()
}

// RecordParseError counts one dropped malformed line.
func RecordParseError() {
	parseErrorsTotal.Inc()
}

// SetSourceAvailable publishes event-source readability.
func SetSourceAvailable(ok bool) {
	if ok {
		sourceAvailable.Set(1)
	} else {
		sourceAvailable.Set(0)
	}
}

// SetPoolHealth publishes one pool's window stats and committed state.
func SetPoolHealth(pool string, rate float64, state int) {
	errorRate.WithLabelValues(pool).Set(rate)
	healthState.WithLabelValues(pool).Set(float64(state))
}

// RecordTransition counts one committed health transition.
func RecordTransition(pool, to string) {
	transitionsTotal.WithLabelValues(pool, to).Inc()
}

// SetActivePool publishes the active/standby split.
func SetActivePool(active, standby string) {
	activePool.WithLabelValues(active).Set(1)
	activePool.WithLabelValues(standby).Set(0)
}

// RecordSwitch counts one switch attempt outcome.
func RecordSwitch(reason, result string) {
	switchesTotal.WithLabelValues(reason, result).Inc()
}

// ObserveReload records reload confirmation latency.
func ObserveReload(d time.Duration) {
	reloadDuration.Observe(d.Seconds())
}

// RecordAlert counts one alert outcome at the dispatcher.
func RecordAlert(alertType, outcome string) {
	alertsTotal.WithLabelValues(alertType, outcome).Inc()
}

// RecordDelivery counts one sink delivery result.
func RecordDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	alertDeliveries.WithLabelValues(sink, result).Inc()
}

// SetAlertQueueDepth publishes the pending alert count.
func SetAlertQueueDepth(n int) {
	alertQueueDepth.Set(float64(n))
}
