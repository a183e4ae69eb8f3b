// Package source discovers repair tasks: pending entries from the task
// dashboard, findings from a file-tree scan, and entries from a plan document.
package source

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/imkarma/autofix/internal/safety"
	"github.com/imkarma/autofix/internal/store"
)

// Options configures discovery. Relative paths resolve against RepoRoot.
type Options struct {
	Role        string   // assignee / responsible party this orchestrator serves
	RepoRoot    string
	PendingPath string   // pending-task JSON document; empty disables
	PlanPath    string   // plan document; empty disables
	ReportsDir  string   // where analysis reports for plan tasks live
	Roots       []string // scan roots
	Extensions  []string
	IgnoredDirs []string
	Detectors   []string // empty = all built-in detectors
	Parallelism int      // roots scanned concurrently (default 4)
}

// Source implements discovery.
type Source struct {
	opts      Options
	detectors []Detector
	ignored   map[string]bool
	exts      map[string]bool
	checker   *safety.Checker
	logger    *slog.Logger
}

// New validates opts and builds a Source. checker may be nil; when set, every
// hash recorded during discovery is also registered with it.
func New(opts Options, checker *safety.Checker, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RepoRoot == "" {
		opts.RepoRoot = "."
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	detectors, err := SelectDetectors(opts.Detectors)
	if err != nil {
		return nil, err
	}

	s := &Source{
		opts:      opts,
		detectors: detectors,
		ignored:   make(map[string]bool, len(opts.IgnoredDirs)),
		exts:      make(map[string]bool, len(opts.Extensions)),
		checker:   checker,
		logger:    logger.With("component", "source"),
	}
	for _, d := range opts.IgnoredDirs {
		s.ignored[d] = true
	}
	for _, e := range opts.Extensions {
		s.exts[strings.ToLower(e)] = true
	}
	return s, nil
}

// Discover returns LoadPending followed by Scan. Discovery errors inside
// either are logged and skipped; only cancellation is returned.
func (s *Source) Discover(ctx context.Context) ([]store.TaskRequest, error) {
	pending, err := s.LoadPending(ctx)
	if err != nil {
		return nil, err
	}
	scanned, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return append(pending, scanned...), nil
}

// resolve returns p joined to the repo root unless absolute.
func (s *Source) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.opts.RepoRoot, p)
}

// rel returns path relative to the repo root with forward slashes, so task
// ids do not depend on where the repository is checked out.
func (s *Source) rel(path string) string {
	r, err := filepath.Rel(s.opts.RepoRoot, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

// hashTarget records the current hash of a repo-relative target, if it exists.
func (s *Source) hashTarget(target string) string {
	if target == "" || target == store.NoTarget {
		return ""
	}
	abs := s.resolve(target)
	h, err := safety.HashFile(abs)
	if err != nil {
		s.logger.Debug("target not hashable", "path", target, "error", err)
		return ""
	}
	if s.checker != nil {
		s.checker.RecordHash(abs, h)
	}
	return h
}

func (s *Source) roleMatches(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(s.opts.Role))
}
