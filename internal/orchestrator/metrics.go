package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "orchestrator",
		Name:      "cycles_total",
		Help:      "Finished cycles by status.",
	}, []string{"status"})

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "orchestrator",
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by outcome (ok, error).",
	}, []string{"outcome"})

	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Subsystem: "orchestrator",
		Name:      "in_flight_tasks",
		Help:      "Tasks dispatched and not yet reported.",
	})
)
