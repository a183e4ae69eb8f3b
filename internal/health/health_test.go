package health

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/imkarma/autofix/internal/store"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCompute_Empty(t *testing.T) {
	h := Compute(nil)
	if h.Score != 100 || h.Status != store.HealthHealthy {
		t.Fatalf("expected healthy 100, got %s %d", h.Status, h.Score)
	}
	if h.Metrics.ErrorRate != 0 {
		t.Fatalf("expected zero error rate, got %v", h.Metrics.ErrorRate)
	}
}

func TestCompute_Aggregates(t *testing.T) {
	results := []store.TaskResult{
		{Success: true, ConfidenceScore: 0.95, Metrics: store.Metrics{ExecutionTimeMs: 10}},
		{Success: true, ConfidenceScore: 0.75, Metrics: store.Metrics{ExecutionTimeMs: 30}},
		{Success: false, Metrics: store.Metrics{ExecutionTimeMs: 20}},
		{Success: false, Fatal: true, Metrics: store.Metrics{ExecutionTimeMs: 40}},
	}
	h := Compute(results)

	if h.Score != 50 || h.Status != store.HealthCritical {
		t.Errorf("expected critical 50, got %s %d", h.Status, h.Score)
	}
	m := h.Metrics
	if m.TotalTasks != 4 || m.CompletedTasks != 2 || m.FailedTasks != 2 || m.FatalRollbacks != 1 {
		t.Errorf("unexpected counts: %+v", m)
	}
	if !near(m.ErrorRate, 0.5) {
		t.Errorf("expected error rate 0.5, got %v", m.ErrorRate)
	}
	if !near(m.AverageExecutionTime, 25) {
		t.Errorf("expected average time 25, got %v", m.AverageExecutionTime)
	}
	if !near(m.AverageConfidence, 0.85) {
		t.Errorf("expected average confidence 0.85, got %v", m.AverageConfidence)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[int]store.HealthStatus{
		100: store.HealthHealthy, 90: store.HealthHealthy,
		89: store.HealthWarning, 70: store.HealthWarning,
		69: store.HealthCritical, 0: store.HealthCritical,
	}
	for score, want := range cases {
		if got := StatusFor(score); got != want {
			t.Errorf("score %d: expected %s, got %s", score, want, got)
		}
	}
}

func TestPropertyHealthDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "n")
		results := make([]store.TaskResult, n)
		for i := range results {
			results[i] = store.TaskResult{
				Success:         rapid.Bool().Draw(t, "success"),
				ConfidenceScore: rapid.Float64Range(0, 1).Draw(t, "confidence"),
				Metrics:         store.Metrics{ExecutionTimeMs: rapid.Int64Range(0, 10_000).Draw(t, "ms")},
			}
		}

		a, b := Compute(results), Compute(results)
		if a != b {
			t.Fatalf("same input, different health: %+v vs %+v", a, b)
		}
		if a.Score < 0 || a.Score > 100 {
			t.Fatalf("score %d out of range", a.Score)
		}
		if a.Metrics.CompletedTasks+a.Metrics.FailedTasks != n {
			t.Fatalf("counts do not add up to %d", n)
		}
		if a.Status != StatusFor(a.Score) {
			t.Fatalf("status %s does not match score %d", a.Status, a.Score)
		}
	})
}

func TestReporter_UpdateAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "health.json")
	r := New(path, []store.TaskResult{{Success: true}}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(ok bool) {
			defer wg.Done()
			r.Update(store.TaskResult{Success: ok})
		}(i != 0)
	}
	wg.Wait()

	h := r.Health()
	if h.Metrics.TotalTasks != 10 || h.Score != 90 || h.Status != store.HealthHealthy {
		t.Fatalf("expected 10 tasks, healthy 90, got %d %s %d", h.Metrics.TotalTasks, h.Status, h.Score)
	}

	if err := r.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.TotalTasks != 10 || snap.CompletedTasks != 9 || snap.HealthScore != 90 || snap.Status != store.HealthHealthy {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.LastUpdate.IsZero() {
		t.Error("expected lastUpdate to be set")
	}
}

func TestReporter_SeedIsCopied(t *testing.T) {
	seed := []store.TaskResult{{Success: true}}
	r := New("", seed, nil)
	seed[0].Success = false

	if got := r.Health().Score; got != 100 {
		t.Fatalf("expected seed copied, score %d", got)
	}
	if err := r.Persist(); err != nil {
		t.Fatalf("Persist without path: %v", err)
	}
}

func TestReadSnapshot_Errors(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(bad); err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
}
