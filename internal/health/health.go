// Package health aggregates task results into a system health score and
// persists the snapshot dashboards poll.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/imkarma/autofix/internal/fsutil"
	"github.com/imkarma/autofix/internal/store"
)

// Score thresholds.
const (
	HealthyScore = 90
	WarningScore = 70
)

var (
	scoreGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Name:      "health_score",
		Help:      "Share of tasks completed successfully, 0-100.",
	})
	errorRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Name:      "health_error_rate",
		Help:      "Share of tasks that failed, 0-1.",
	})
	ledgerGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autofix",
		Name:      "health_tasks",
		Help:      "Results in the health ledger, by outcome.",
	}, []string{"outcome"})
)

// Compute derives health from a result history. It depends on nothing but
// its argument.
func Compute(results []store.TaskResult) store.SystemHealth {
	m := store.HealthMetrics{TotalTasks: len(results)}
	var execMs, confidence float64
	for _, r := range results {
		execMs += float64(r.Metrics.ExecutionTimeMs)
		if r.Success {
			m.CompletedTasks++
			confidence += r.ConfidenceScore
		} else {
			m.FailedTasks++
		}
		if r.Fatal {
			m.FatalRollbacks++
		}
	}

	score := 100
	if m.TotalTasks > 0 {
		score = int(math.Round(float64(m.CompletedTasks) / float64(m.TotalTasks) * 100))
		m.ErrorRate = float64(m.FailedTasks) / float64(m.TotalTasks)
		m.AverageExecutionTime = execMs / float64(m.TotalTasks)
	}
	if m.CompletedTasks > 0 {
		m.AverageConfidence = confidence / float64(m.CompletedTasks)
	}

	return store.SystemHealth{Status: StatusFor(score), Score: score, Metrics: m}
}

// StatusFor buckets a score.
func StatusFor(score int) store.HealthStatus {
	switch {
	case score >= HealthyScore:
		return store.HealthHealthy
	case score >= WarningScore:
		return store.HealthWarning
	default:
		return store.HealthCritical
	}
}

// Reporter owns the in-memory result ledger.
type Reporter struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	results []store.TaskResult
}

// New creates a reporter that persists to path, seeded with prior results.
func New(path string, seed []store.TaskResult, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		path:    path,
		logger:  logger.With("component", "health"),
		results: append([]store.TaskResult(nil), seed...),
	}
}

// Update appends one result to the ledger.
func (r *Reporter) Update(res store.TaskResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

// Health computes the current health from a copy of the ledger.
func (r *Reporter) Health() store.SystemHealth {
	r.mu.Lock()
	results := append([]store.TaskResult(nil), r.results...)
	r.mu.Unlock()
	return Compute(results)
}

// Snapshot returns the persisted form of the current health.
func (r *Reporter) Snapshot() store.HealthSnapshot {
	return snapshotOf(r.Health(), time.Now().UTC())
}

func snapshotOf(h store.SystemHealth, at time.Time) store.HealthSnapshot {
	return store.HealthSnapshot{
		LastUpdate:     at,
		TotalTasks:     h.Metrics.TotalTasks,
		CompletedTasks: h.Metrics.CompletedTasks,
		HealthScore:    h.Score,
		Status:         h.Status,
	}
}

// Persist atomically writes the snapshot file and updates the gauges.
func (r *Reporter) Persist() error {
	h := r.Health()
	snap := snapshotOf(h, time.Now().UTC())

	scoreGauge.Set(float64(h.Score))
	errorRateGauge.Set(h.Metrics.ErrorRate)
	ledgerGauge.WithLabelValues("completed").Set(float64(h.Metrics.CompletedTasks))
	ledgerGauge.WithLabelValues("failed").Set(float64(h.Metrics.FailedTasks))
	ledgerGauge.WithLabelValues("fatal").Set(float64(h.Metrics.FatalRollbacks))

	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create health dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write health snapshot: %w", err)
	}
	r.logger.Debug("health persisted", "score", h.Score, "status", h.Status, "path", r.path)
	return nil
}

// ReadSnapshot loads a persisted snapshot. A missing file returns
// os.ErrNotExist.
func ReadSnapshot(path string) (*store.HealthSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read health snapshot: %w", err)
	}
	var snap store.HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse health snapshot: %w", err)
	}
	return &snap, nil
}
