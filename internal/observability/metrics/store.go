package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

var (
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_db_pool_connections",
			Help: "Postgres pool connections by state (acquired, idle, total, max)",
		},
		[]string{"state"},
	)

	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_db_query_duration_seconds",
			Help:    "Postgres statement latency by operation and table",
			Buckets: storeLatencyBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_db_query_errors_total",
			Help: "Postgres statement failures by operation, table and Go error type",
		},
		[]string{"operation", "table", "error_type"},
	)

	RefreshStoreRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_store_rotations_total",
			Help: "Refresh token rotations by store backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
)
