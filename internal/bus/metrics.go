package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events offered to the bus, by type and append outcome.",
	}, []string{"type", "outcome"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "bus",
		Name:      "deliveries_total",
		Help:      "Handler invocations, by event type and outcome (ok, retry, dropped).",
	}, []string{"type", "outcome"})
)
