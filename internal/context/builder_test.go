package context

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/autofix/internal/store"
)

type fakeResults map[string][]store.TaskResult

func (f fakeResults) ResultsForTask(id string) ([]store.TaskResult, error) {
	if id == "broken" {
		return nil, errors.New("db closed")
	}
	return f[id], nil
}

func writeTarget(t *testing.T, lines int) string {
	t.Helper()
	root := t.TempDir()
	var sb strings.Builder
	for i := 1; i <= lines; i++ {
		sb.WriteString("line ")
		sb.WriteString(strings.Repeat("x", i%3))
		sb.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(root, "app.ts"), []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root
}

func TestBuildFixPrompt_BasicTask(t *testing.T) {
	root := writeTarget(t, 10)
	b := New(nil, root)

	task := store.TaskRequest{
		ID: "task_1", Kind: store.KindFix, Priority: store.PriorityHigh, Target: "app.ts",
		Description: "Remove debug statement",
		Metadata: map[string]string{
			store.MetaLine: "3", store.MetaDetector: "debug-statement", store.MetaSnippet: "console.log(a);",
			store.MetaAcceptance: "no console output",
		},
	}

	prompt, err := b.BuildFixPrompt(task)
	if err != nil {
		t.Fatalf("BuildFixPrompt: %v", err)
	}

	for _, want := range []string{
		"Autonomous Repair Agent",
		"task_1",
		"File: `app.ts`:3",
		"Remove debug statement",
		"no console output",
		"debug-statement",
		"    3| line",
		"BLOCKED:",
		"```diff",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildFixPrompt_ExcerptWindow(t *testing.T) {
	root := writeTarget(t, 100)
	b := New(nil, root)

	task := store.TaskRequest{ID: "t", Kind: store.KindFix, Target: "app.ts", Metadata: map[string]string{store.MetaLine: "50"}}
	prompt, err := b.BuildFixPrompt(task)
	if err != nil {
		t.Fatalf("BuildFixPrompt: %v", err)
	}
	if !strings.Contains(prompt, "lines 30-70") {
		t.Error("expected a 20-line window around line 50")
	}
	if strings.Contains(prompt, "   29| ") || strings.Contains(prompt, "   71| ") {
		t.Error("excerpt leaked outside the window")
	}
}

func TestBuildFixPrompt_NoTarget(t *testing.T) {
	b := New(nil, t.TempDir())

	task := store.TaskRequest{ID: "T-12", Kind: store.KindFix, Target: store.NoTarget, Description: "refactor auth",
		Metadata: map[string]string{store.MetaAnalysisReport: "docs/reports/analysis_T-12.json"}}
	prompt, err := b.BuildFixPrompt(task)
	if err != nil {
		t.Fatalf("BuildFixPrompt: %v", err)
	}
	if strings.Contains(prompt, "## File") {
		t.Error("plan task without target should have no file excerpt")
	}
	if !strings.Contains(prompt, "analysis_T-12.json") {
		t.Error("prompt missing analysis report path")
	}
}

func TestBuildFixPrompt_MissingTarget(t *testing.T) {
	b := New(nil, t.TempDir())
	if _, err := b.BuildFixPrompt(store.TaskRequest{ID: "t", Target: "gone.ts"}); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestBuildFixPrompt_WithHistory(t *testing.T) {
	root := writeTarget(t, 3)
	b := New(fakeResults{"t": {
		{TaskID: "t", Success: false, Message: "patch rejected", Errors: []string{"hunk 1 does not apply"}},
	}}, root)

	prompt, err := b.BuildFixPrompt(store.TaskRequest{ID: "t", Target: "app.ts"})
	if err != nil {
		t.Fatalf("BuildFixPrompt: %v", err)
	}
	if !strings.Contains(prompt, "## History") {
		t.Error("prompt missing history section")
	}
	if !strings.Contains(prompt, "failed: patch rejected (hunk 1 does not apply)") {
		t.Error("history entry not rendered")
	}
}

func TestBuildFixPrompt_NoHistoryForFreshTask(t *testing.T) {
	root := writeTarget(t, 3)
	b := New(fakeResults{}, root)

	for _, id := range []string{"fresh", "broken"} {
		prompt, err := b.BuildFixPrompt(store.TaskRequest{ID: id, Target: "app.ts"})
		if err != nil {
			t.Fatalf("BuildFixPrompt: %v", err)
		}
		if strings.Contains(prompt, "## History") {
			t.Errorf("%s: unexpected history section", id)
		}
	}
}
