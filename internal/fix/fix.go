// Package fix holds the code transformations the executor wraps in its
// backup/rollback protocol. A Fixer inspects a task without touching disk and
// returns a Plan; only Plan.Apply mutates files.
package fix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imkarma/autofix/internal/store"
)

var (
	// ErrSnippetMismatch means the file no longer holds what the task describes.
	ErrSnippetMismatch = errors.New("snippet mismatch")
	// ErrPatchMismatch means a hunk's context or removed lines do not match.
	ErrPatchMismatch = errors.New("patch does not apply")
	// ErrOutsideRepo rejects paths that escape the repository root.
	ErrOutsideRepo = errors.New("path outside repository")
)

// Fixer turns a task into a Plan.
type Fixer interface {
	Name() string
	Supports(task store.TaskRequest) bool
	// Prepare reads whatever it needs and returns the mutation to perform.
	// It must not modify any file.
	Prepare(ctx context.Context, task store.TaskRequest) (*Plan, error)
}

// TargetFree is implemented by fixers that can serve tasks without a target
// file, such as plan tasks handed to an agent.
type TargetFree interface {
	TargetFree() bool
}

// Plan is a prepared, not yet applied, fix.
type Plan struct {
	Files          []string // existing files Apply may modify or delete, absolute
	Created        []string // files Apply creates, absolute; removed on rollback
	Classification store.Classification
	Complexity     store.Complexity
	ForceReview    bool // a human must check the result whatever the confidence
	Apply          func() ([]store.FileChange, error)
}

// Select returns the first fixer supporting task, or nil.
func Select(fixers []Fixer, task store.TaskRequest) Fixer {
	for _, f := range fixers {
		if f.Supports(task) {
			return f
		}
	}
	return nil
}

// IsTargetFree reports whether f can run without a target file.
func IsTargetFree(f Fixer) bool {
	tf, ok := f.(TargetFree)
	return ok && tf.TargetFree()
}

// Classify reads the task's errorType metadata.
func Classify(task store.TaskRequest) store.Classification {
	switch c := store.Classification(task.Meta(store.MetaErrorType)); c {
	case store.ClassSyntax, store.ClassLogic:
		return c
	default:
		return store.ClassUnknown
	}
}

// repoPath resolves a repo-relative path and rejects anything escaping root.
func repoPath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRepo, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRepo, rel)
	}
	return filepath.Join(root, clean), nil
}

// fileMode returns the mode of path, or 0644 when it does not exist.
func fileMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
