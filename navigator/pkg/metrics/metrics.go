package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sage_treeview_query_duration_seconds",
			Help:    "Duration of SAGE database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	QueryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_treeview_query_outcomes_total",
			Help: "Total number of SAGE database queries by family and outcome",
		},
		[]string{"family", "outcome"},
	)

	QueryRows = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sage_treeview_query_rows",
			Help:    "Number of rows materialized per query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"family"},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_treeview_connect_attempts_total",
			Help: "Total number of connection attempts by result",
		},
		[]string{"result"},
	)

	SessionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sage_treeview_session_up",
			Help: "Whether a session is currently open (1) or not (0); see health_checks_total for liveness",
		},
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_treeview_health_checks_total",
			Help: "Total number of session health checks by result",
		},
		[]string{"healthy"},
	)
)

// RecordQuery records the duration, row count and outcome of one query.
func RecordQuery(family string, duration time.Duration, rows int, outcome string) {
	QueryDuration.WithLabelValues(family).Observe(duration.Seconds())
	QueryOutcomesTotal.WithLabelValues(family, outcome).Inc()
	if outcome == "ok" || outcome == "empty" {
		QueryRows.WithLabelValues(family).Observe(float64(rows))
	}
}
