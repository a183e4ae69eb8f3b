package fix

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/imkarma/autofix/internal/fsutil"
	"github.com/imkarma/autofix/internal/store"
)

// RuleFixer removes standalone debug statements flagged by the
// debug-statement detector.
type RuleFixer struct {
	root string
}

// NewRuleFixer creates a rule fixer for the repository at root.
func NewRuleFixer(root string) *RuleFixer {
	return &RuleFixer{root: root}
}

func (f *RuleFixer) Name() string { return "rule" }

func (f *RuleFixer) Supports(task store.TaskRequest) bool {
	return task.Kind == store.KindFix &&
		task.HasTarget() &&
		task.Meta(store.MetaDetector) == "debug-statement" &&
		task.Meta(store.MetaPatch) == ""
}

// Prepare verifies the flagged line still holds the snippet and that the
// statement is complete on that line, so removing the line removes nothing
// else.
func (f *RuleFixer) Prepare(_ context.Context, task store.TaskRequest) (*Plan, error) {
	path, err := repoPath(f.root, task.Target)
	if err != nil {
		return nil, err
	}
	line, err := strconv.Atoi(task.Meta(store.MetaLine))
	if err != nil || line < 1 {
		return nil, fmt.Errorf("invalid line %q", task.Meta(store.MetaLine))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	if line > len(lines) {
		return nil, fmt.Errorf("%w: %s has no line %d", ErrSnippetMismatch, task.Target, line)
	}

	got := strings.TrimSpace(lines[line-1])
	if want := task.Meta(store.MetaSnippet); want != "" && got != want {
		return nil, fmt.Errorf("%w: %s:%d", ErrSnippetMismatch, task.Target, line)
	}
	if !standalone(got) {
		return nil, fmt.Errorf("statement at %s:%d spans more than one line or has trailing code", task.Target, line)
	}

	out := strings.Join(append(lines[:line-1:line-1], lines[line:]...), "")
	mode := fileMode(path)

	return &Plan{
		Files:          []string{path},
		Classification: Classify(task),
		Complexity:     store.ComplexitySimple,
		Apply: func() ([]store.FileChange, error) {
			if err := fsutil.WriteFileAtomic(path, []byte(out), mode); err != nil {
				return nil, err
			}
			return []store.FileChange{{File: task.Target, Action: store.ActionModified, LinesChanged: 1}}, nil
		},
	}, nil
}

// standalone reports whether s is exactly one call or debugger statement,
// optionally terminated by a semicolon.
func standalone(s string) bool {
	s = strings.TrimSuffix(strings.TrimSpace(s), ";")
	if s == "debugger" {
		return true
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return false
	}

	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}
