package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DependencyCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_dependency_circuit_state",
			Help: "Circuit state of a guarded dependency (0=closed, 1=open)",
		},
		[]string{"dependency"},
	)

	DependencyCircuitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_dependency_circuit_failures_total",
			Help: "Failed calls counted against a dependency's circuit",
		},
		[]string{"dependency"},
	)
)
