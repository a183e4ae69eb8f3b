package fix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/imkarma/autofix/internal/fsutil"
	"github.com/imkarma/autofix/internal/store"
)

const devNull = "/dev/null"

// PatchFixer applies a unified diff carried in the task's patch metadata.
// Hunks must match the file exactly; there is no fuzz.
type PatchFixer struct {
	root string
}

// NewPatchFixer creates a patch fixer for the repository at root.
func NewPatchFixer(root string) *PatchFixer {
	return &PatchFixer{root: root}
}

func (f *PatchFixer) Name() string { return "patch" }

func (f *PatchFixer) Supports(task store.TaskRequest) bool {
	return task.Kind == store.KindFix && task.Meta(store.MetaPatch) != ""
}

func (f *PatchFixer) Prepare(_ context.Context, task store.TaskRequest) (*Plan, error) {
	plan, err := PreparePatch(f.root, task.Meta(store.MetaPatch))
	if err != nil {
		return nil, err
	}
	plan.Classification = Classify(task)
	return plan, nil
}

// fileEdit is one file's computed outcome.
type fileEdit struct {
	rel    string
	abs    string
	action store.ChangeAction
	data   []byte
	lines  int
}

// PreparePatch parses patch, computes every resulting file in memory and
// returns a plan that writes them. Nothing is written if any hunk fails.
func PreparePatch(root, patch string) (*Plan, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	if len(fds) == 0 {
		return nil, errors.New("parse patch: no file diffs")
	}

	plan := &Plan{}
	var (
		edits []fileEdit
		hunks int
		seen  = make(map[string]bool)
	)
	for _, fd := range fds {
		e, err := prepareFile(root, fd)
		if err != nil {
			return nil, err
		}
		if seen[e.abs] {
			return nil, fmt.Errorf("parse patch: %s appears twice", e.rel)
		}
		seen[e.abs] = true

		if e.action == store.ActionCreated {
			plan.Created = append(plan.Created, e.abs)
		} else {
			plan.Files = append(plan.Files, e.abs)
		}
		hunks += len(fd.Hunks)
		edits = append(edits, e)
	}

	plan.Complexity = patchComplexity(hunks, edits)
	plan.Apply = func() ([]store.FileChange, error) {
		changes := make([]store.FileChange, 0, len(edits))
		for _, e := range edits {
			if e.action == store.ActionDeleted {
				if err := os.Remove(e.abs); err != nil {
					return changes, fmt.Errorf("delete %s: %w", e.rel, err)
				}
			} else if err := fsutil.WriteFileAtomic(e.abs, e.data, fileMode(e.abs)); err != nil {
				return changes, fmt.Errorf("write %s: %w", e.rel, err)
			}
			changes = append(changes, store.FileChange{File: e.rel, Action: e.action, LinesChanged: e.lines})
		}
		return changes, nil
	}
	return plan, nil
}

func prepareFile(root string, fd *diff.FileDiff) (fileEdit, error) {
	var e fileEdit
	switch {
	case fd.OrigName == devNull && fd.NewName == devNull:
		return e, errors.New("parse patch: both sides are /dev/null")
	case fd.OrigName == devNull:
		e.action, e.rel = store.ActionCreated, stripPrefix(fd.NewName)
	case fd.NewName == devNull:
		e.action, e.rel = store.ActionDeleted, stripPrefix(fd.OrigName)
	default:
		e.action, e.rel = store.ActionModified, stripPrefix(fd.NewName)
		if orig := stripPrefix(fd.OrigName); orig != e.rel {
			return e, fmt.Errorf("parse patch: rename %s -> %s not supported", orig, e.rel)
		}
	}

	abs, err := repoPath(root, e.rel)
	if err != nil {
		return e, err
	}
	e.abs = abs

	var orig []byte
	if e.action == store.ActionCreated {
		if _, err := os.Stat(abs); err == nil {
			return e, fmt.Errorf("%w: %s already exists", ErrPatchMismatch, e.rel)
		}
	} else {
		if orig, err = os.ReadFile(abs); err != nil {
			return e, fmt.Errorf("read %s: %w", e.rel, err)
		}
	}

	out, changed, err := applyHunks(string(orig), fd.Hunks)
	if err != nil {
		return e, fmt.Errorf("%s: %w", e.rel, err)
	}
	if e.action == store.ActionDeleted && out != "" {
		return e, fmt.Errorf("%w: %s: deletion leaves content", ErrPatchMismatch, e.rel)
	}
	e.data, e.lines = []byte(out), changed
	return e, nil
}

// stripPrefix drops the a/ or b/ prefix git puts on diff paths.
func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// applyHunks applies hunks in order, verifying every context and removed
// line. It returns the new content and the number of added plus removed
// lines.
func applyHunks(orig string, hunks []*diff.Hunk) (string, int, error) {
	lines := strings.SplitAfter(orig, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var (
		out     strings.Builder
		pos     int
		changed int
	)
	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < pos || start > len(lines) {
			return "", 0, fmt.Errorf("%w: hunk %d starts at line %d", ErrPatchMismatch, i+1, h.OrigStartLine)
		}
		for _, l := range lines[pos:start] {
			out.WriteString(l)
		}
		pos = start

		var lastNew *string
		for _, bl := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if bl == "" {
				bl = " "
			}
			kind, text := bl[0], bl[1:]
			switch kind {
			case ' ', '-':
				if pos >= len(lines) || strings.TrimSuffix(lines[pos], "\n") != text {
					return "", 0, fmt.Errorf("%w: hunk %d at line %d", ErrPatchMismatch, i+1, pos+1)
				}
				if kind == ' ' {
					out.WriteString(lines[pos])
					lastNew = nil
				} else {
					changed++
				}
				pos++
			case '+':
				out.WriteString(text + "\n")
				changed++
				s := text
				lastNew = &s
			case '\\':
				// "\ No newline at end of file" after an added line.
				if lastNew != nil {
					trimmed := strings.TrimSuffix(out.String(), "\n")
					out.Reset()
					out.WriteString(trimmed)
				}
			default:
				return "", 0, fmt.Errorf("%w: hunk %d: bad line %q", ErrPatchMismatch, i+1, bl)
			}
		}
	}
	for _, l := range lines[pos:] {
		out.WriteString(l)
	}
	return out.String(), changed, nil
}

// patchComplexity tiers a patch by size: one small hunk in one file is
// simple; up to three hunks and twenty changed lines is medium.
func patchComplexity(hunks int, edits []fileEdit) store.Complexity {
	changed := 0
	for _, e := range edits {
		changed += e.lines
	}
	switch {
	case hunks <= 1 && len(edits) == 1 && changed <= 5:
		return store.ComplexitySimple
	case hunks <= 3 && changed <= 20:
		return store.ComplexityMedium
	default:
		return store.ComplexityComplex
	}
}
