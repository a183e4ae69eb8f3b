package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/health"
	"github.com/imkarma/autofix/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type brokenEvents struct{}

func (brokenEvents) History(context.Context, string, int) ([]store.Event, error) {
	return nil, errors.New("log unreadable")
}

func setup(t *testing.T) (*Server, *bus.EventBus, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "autofix.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := bus.New(bus.NewMemoryLog(), bus.Options{})
	t.Cleanup(func() { b.Close(context.Background()) })

	rep := health.New("", []store.TaskResult{{TaskID: "a", Success: true}, {TaskID: "b"}}, nil)
	return New(rep, b, s, nil), b, s
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

// getJSON requests path, expects 200 and decodes the body into v.
func getJSON(t *testing.T, srv *Server, path string, v any) {
	t.Helper()
	w := get(t, srv, path)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", path, w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := setup(t)

	var h store.SystemHealth
	getJSON(t, srv, "/health", &h)
	if h.Score != 50 {
		t.Errorf("expected score 50, got %d", h.Score)
	}
	if h.Status != store.HealthCritical {
		t.Errorf("expected status %s, got %s", store.HealthCritical, h.Status)
	}
	if h.Metrics.TotalTasks != 2 {
		t.Errorf("expected 2 total tasks, got %d", h.Metrics.TotalTasks)
	}
}

func TestEvents_FilterAndLimit(t *testing.T) {
	srv, b, _ := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := b.AssignTask(ctx, store.TaskRequest{ID: id, Kind: store.KindFix}); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}
	if _, err := b.Publish(ctx, bus.TopicTaskCompleted, "test", store.TaskResult{TaskID: "a", Success: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var events []store.Event
	getJSON(t, srv, "/events?type=task.assigned&limit=2", &events)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	task, err := bus.DecodeTask(events[1])
	if err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID != "c" {
		t.Errorf("expected newest assignment c last, got %s", task.ID)
	}
}

func TestEvents_BadLimit(t *testing.T) {
	srv, _, _ := setup(t)
	for _, path := range []string{"/events?limit=-1", "/events?limit=ten"} {
		if code := get(t, srv, path).Code; code != http.StatusBadRequest {
			t.Errorf("GET %s: expected 400, got %d", path, code)
		}
	}
}

func TestEvents_LogErrorIs500(t *testing.T) {
	rep := health.New("", nil, nil)
	srv := New(rep, brokenEvents{}, nil, nil)
	w := get(t, srv, "/events")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "log unreadable") {
		t.Errorf("internal error leaked to client: %s", w.Body.String())
	}
}

func TestTasks_StatusFilter(t *testing.T) {
	srv, _, s := setup(t)
	if err := s.UpsertTask(store.TaskRequest{ID: "a", Kind: store.KindFix}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.UpsertTask(store.TaskRequest{ID: "b", Kind: store.KindFix, Status: store.StatusCompleted}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	var all []store.TaskRequest
	getJSON(t, srv, "/tasks", &all)
	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}

	var done []store.TaskRequest
	getJSON(t, srv, "/tasks?status=completed", &done)
	if len(done) != 1 || done[0].ID != "b" {
		t.Errorf("expected only task b, got %+v", done)
	}
}

func TestTasks_EmptyIsArray(t *testing.T) {
	srv, _, _ := setup(t)
	w := get(t, srv, "/tasks")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestCycles(t *testing.T) {
	srv, _, s := setup(t)
	id, err := s.StartCycle()
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if err := s.EndCycle(store.CycleRun{ID: id, Status: store.CycleCompleted, Dispatched: 2}); err != nil {
		t.Fatalf("end cycle: %v", err)
	}

	var cycles []store.CycleRun
	getJSON(t, srv, "/cycles?limit=5", &cycles)
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(cycles))
	}
	if cycles[0].Status != store.CycleCompleted {
		t.Errorf("expected completed, got %s", cycles[0].Status)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, _ := setup(t)
	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected go runtime metrics in output")
	}
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	srv, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
