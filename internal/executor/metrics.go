package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "executor",
		Name:      "tasks_total",
		Help:      "Tasks executed, by outcome.",
	}, []string{"outcome"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autofix",
		Subsystem: "executor",
		Name:      "task_duration_seconds",
		Help:      "Wall time of one task execution.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	confidenceScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autofix",
		Subsystem: "executor",
		Name:      "confidence_score",
		Help:      "Confidence of successful fixes.",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Subsystem: "executor",
		Name:      "tasks_running",
		Help:      "Tasks currently executing.",
	})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "executor",
		Name:      "rollbacks_total",
		Help:      "Rollbacks performed, by outcome.",
	}, []string{"outcome"})
)
