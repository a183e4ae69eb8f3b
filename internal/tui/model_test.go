package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/autofix/internal/store"
)

type fakeLedger struct {
	tasks   []store.TaskRequest
	results []store.TaskResult
}

func (f *fakeLedger) ListTasks(status store.TaskStatus) ([]store.TaskRequest, error) {
	var out []store.TaskRequest
	for _, t := range f.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListResults() ([]store.TaskResult, error) { return f.results, nil }

func (f *fakeLedger) ResultsForTask(id string) ([]store.TaskResult, error) {
	var out []store.TaskResult
	for _, r := range f.results {
		if r.TaskID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListEvents(string, int) ([]store.Event, error) { return nil, nil }

func (f *fakeLedger) ListCycles(int) ([]store.CycleRun, error) {
	return []store.CycleRun{{ID: 7, Status: store.CycleCompleted, StartedAt: time.Now()}}, nil
}

func newLoaded(t *testing.T, l *fakeLedger) Model {
	t.Helper()
	m := New(l)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, _ = next.Update(m.load()())
	return next.(Model)
}

func TestLoad_PopulatesHealthAndTable(t *testing.T) {
	l := &fakeLedger{
		tasks: []store.TaskRequest{
			{ID: "task_a", Priority: store.PriorityHigh, Status: store.StatusCompleted, Target: "src/a.ts", Description: "remove debug"},
			{ID: "task_b", Priority: store.PriorityLow, Status: store.StatusFailed, Target: store.NoTarget, Description: "plan item"},
		},
		results: []store.TaskResult{{TaskID: "task_a", Success: true}, {TaskID: "task_b"}},
	}
	m := newLoaded(t, l)

	if m.health.Score != 50 {
		t.Fatalf("expected score 50, got %d", m.health.Score)
	}
	if len(m.table.Rows()) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(m.table.Rows()))
	}
	if got := m.table.Rows()[1][3]; got != "-" {
		t.Fatalf("expected N/A target rendered as -, got %q", got)
	}
	view := m.View()
	if !strings.Contains(view, "cycle #7") || !strings.Contains(view, "task_a") {
		t.Fatalf("view missing header or rows:\n%s", view)
	}
}

func TestFilterCyclesStatuses(t *testing.T) {
	l := &fakeLedger{tasks: []store.TaskRequest{
		{ID: "a", Status: store.StatusPending},
		{ID: "b", Status: store.StatusCompleted},
	}}
	m := newLoaded(t, l)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	m = next.(Model)
	if statusFilters[m.filter] != store.StatusPending {
		t.Fatalf("expected pending filter, got %q", statusFilters[m.filter])
	}
	next, _ = m.Update(cmd())
	m = next.(Model)
	if len(m.tasks) != 1 || m.tasks[0].ID != "a" {
		t.Fatalf("expected only pending task, got %+v", m.tasks)
	}
}

func TestEnterOpensDetail(t *testing.T) {
	l := &fakeLedger{
		tasks:   []store.TaskRequest{{ID: "a", Status: store.StatusFailed, Target: "x.ts"}},
		results: []store.TaskResult{{TaskID: "a", Message: "stale file: x.ts", RequiresHumanReview: true}},
	}
	m := newLoaded(t, l)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a load command")
	}
	next, _ = next.Update(cmd())
	m = next.(Model)
	if m.screen != screenDetail {
		t.Fatalf("expected detail screen, got %v", m.screen)
	}
	if !strings.Contains(m.View(), "stale file: x.ts") {
		t.Fatal("detail should list the result message")
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if next.(Model).screen != screenTasks {
		t.Fatal("esc should return to tasks")
	}
}

func TestTabSwitchesToEvents(t *testing.T) {
	m := newLoaded(t, &fakeLedger{})
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	if next.(Model).screen != screenEvents {
		t.Fatal("tab should show events")
	}
}

func TestShortenLeft(t *testing.T) {
	if got := shortenLeft("apps/web/src/components/Button.tsx", 12); got != "…/Button.tsx" {
		t.Fatalf("unexpected %q", got)
	}
	if got := shortenLeft("a.ts", 12); got != "a.ts" {
		t.Fatalf("unexpected %q", got)
	}
}
