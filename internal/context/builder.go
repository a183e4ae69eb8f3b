// Package context builds the prompt an agent reads before proposing a fix.
// The prompt is the whole contract: task, file excerpt, what was tried
// before, and the reply format.
package context

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/imkarma/autofix/internal/store"
)

const (
	excerptRadius  = 20   // lines either side of the reported line
	maxExcerptLine = 200  // lines shown when there is no reported line
	maxFileBytes   = 8000 // excerpt cap in bytes
	maxHistory     = 5
)

// ResultSource provides the earlier outcomes of a task.
type ResultSource interface {
	ResultsForTask(taskID string) ([]store.TaskResult, error)
}

// Builder constructs the full prompt for the fixing agent. Think of it as the
// ticket the agent reads before starting work.
type Builder struct {
	results  ResultSource
	repoRoot string
}

// New creates a context builder. results may be nil.
func New(results ResultSource, repoRoot string) *Builder {
	return &Builder{results: results, repoRoot: repoRoot}
}

// BuildFixPrompt creates the prompt for an agent working on a task.
// The prompt includes:
// 1. The task, its acceptance criteria and detector details
// 2. An excerpt of the target file with line numbers
// 3. Earlier attempts on the same task
// 4. The reply format (unified diff or BLOCKED)
func (b *Builder) BuildFixPrompt(task store.TaskRequest) (string, error) {
	parts := []string{
		"# You are an Autonomous Repair Agent\nYour job is to fix exactly one defect with the smallest safe change. Do not refactor unrelated code.",
		b.taskSection(task),
	}

	if task.HasTarget() {
		excerpt, err := b.fileExcerpt(task)
		if err != nil {
			return "", fmt.Errorf("read target: %w", err)
		}
		parts = append(parts, excerpt)
	}

	if hist := b.history(task.ID); hist != "" {
		parts = append(parts, hist)
	}

	parts = append(parts, instructions)
	return strings.Join(parts, "\n\n"), nil
}

func (b *Builder) taskSection(task store.TaskRequest) string {
	var sb strings.Builder

	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s** (%s, priority %s)\n", task.ID, task.Kind, task.Priority))
	if task.HasTarget() {
		sb.WriteString(fmt.Sprintf("File: `%s`", task.Target))
		if line := task.Meta(store.MetaLine); line != "" {
			sb.WriteString(":" + line)
		}
		sb.WriteString("\n")
	}
	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", task.Description))
	}
	if ac := task.Meta(store.MetaAcceptance); ac != "" {
		sb.WriteString(fmt.Sprintf("\n### Acceptance criteria\n%s\n", ac))
	}
	if d := task.Meta(store.MetaDetector); d != "" {
		sb.WriteString(fmt.Sprintf("\nDetected by `%s`: `%s`\n", d, task.Meta(store.MetaSnippet)))
	}
	if rep := task.Meta(store.MetaAnalysisReport); rep != "" {
		sb.WriteString(fmt.Sprintf("\nAnalysis report: `%s`\n", rep))
	}
	return sb.String()
}

// fileExcerpt shows numbered lines around the reported line, or the head of
// the file when no line is known.
func (b *Builder) fileExcerpt(task store.TaskRequest) (string, error) {
	path := task.Target
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.repoRoot, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	from, to := 1, maxExcerptLine
	if line, err := strconv.Atoi(task.Meta(store.MetaLine)); err == nil && line > 0 {
		from, to = max(1, line-excerptRadius), line+excerptRadius
	}

	var sb strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if n < from {
			continue
		}
		if n > to {
			break
		}
		sb.WriteString(fmt.Sprintf("%5d| %s\n", n, sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return "", err
	}

	return fmt.Sprintf("## File `%s` (lines %d-%d)\n```\n%s```", task.Target, from, min(to, n), truncate(sb.String())), nil
}

func (b *Builder) history(taskID string) string {
	if b.results == nil {
		return ""
	}
	results, err := b.results.ResultsForTask(taskID)
	if err != nil || len(results) == 0 {
		return ""
	}
	if len(results) > maxHistory {
		results = results[len(results)-maxHistory:]
	}

	var sb strings.Builder
	sb.WriteString("## History\n")
	sb.WriteString("Previous attempts on this task:\n\n")
	for _, r := range results {
		outcome := "failed"
		if r.Success {
			outcome = "succeeded"
		}
		sb.WriteString(fmt.Sprintf("- %s: %s", outcome, r.Message))
		if len(r.Errors) > 0 {
			sb.WriteString(" (" + strings.Join(r.Errors, "; ") + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncate limits excerpt size to avoid blowing up the prompt.
func truncate(s string) string {
	if len(s) <= maxFileBytes {
		return s
	}
	return s[:maxFileBytes] + fmt.Sprintf("\n... (excerpt truncated, %d bytes total)\n", len(s))
}

const instructions = `## Response Format
Reply with a single unified diff against the repository root in a fenced block:

` + "```diff" + `
--- a/path/to/file
+++ b/path/to/file
@@ -10,3 +10,2 @@
 context line
-removed line
 context line
` + "```" + `

- Context lines must match the file exactly; the patch is rejected otherwise
- Change only what the task needs
- If you cannot fix it safely, reply with: BLOCKED: [reason]`
