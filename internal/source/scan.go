package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imkarma/autofix/internal/safety"
	"github.com/imkarma/autofix/internal/store"
)

// Scan walks every root and runs the detectors over each source file, then
// appends tasks parsed from the plan document. Roots are walked concurrently
// but results keep root order, so the same tree always yields the same list.
func (s *Source) Scan(ctx context.Context) ([]store.TaskRequest, error) {
	perRoot := make([][]store.TaskRequest, len(s.opts.Roots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, root := range s.opts.Roots {
		g.Go(func() error {
			tasks, err := s.scanRoot(gctx, root)
			perRoot[i] = tasks
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var tasks []store.TaskRequest
	for _, rt := range perRoot {
		tasks = append(tasks, rt...)
	}

	planned, err := s.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}
	tasks = append(tasks, planned...)

	s.logger.Debug("scan finished", "roots", len(s.opts.Roots), "tasks", len(tasks))
	return tasks, nil
}

func (s *Source) scanRoot(ctx context.Context, root string) ([]store.TaskRequest, error) {
	abs := s.resolve(root)
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("scan root missing", "root", root)
		return nil, nil
	}

	var tasks []store.TaskRequest
	err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.logger.Warn("walk error", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != abs && s.ignored[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		found, err := s.scanFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", s.rel(path), "error", err)
			return nil
		}
		tasks = append(tasks, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// scanFile turns every detector hit in one file into a task.
func (s *Source) scanFile(path string) ([]store.TaskRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rel := s.rel(path)
	ext := strings.ToLower(filepath.Ext(path))
	hash := safety.HashBytes(data)
	now := time.Now().UTC()

	var tasks []store.TaskRequest
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		for _, d := range s.detectors {
			f, ok := d.Detect(ext, line)
			if !ok {
				continue
			}
			f.Line = lineNo
			tasks = append(tasks, s.findingTask(rel, hash, f, now))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(tasks) > 0 && s.checker != nil {
		s.checker.RecordHash(path, hash)
	}
	return tasks, nil
}

func (s *Source) findingTask(rel, hash string, f Finding, now time.Time) store.TaskRequest {
	return store.TaskRequest{
		ID:          TaskID(rel, f.Line, f.Detector),
		Kind:        f.Kind,
		Priority:    f.Priority,
		Target:      rel,
		Description: f.Message + " at " + rel + ":" + strconv.Itoa(f.Line),
		Status:      store.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata: map[string]string{
			store.MetaSource:    "scan",
			store.MetaHash:      hash,
			store.MetaLine:      strconv.Itoa(f.Line),
			store.MetaDetector:  f.Detector,
			store.MetaSnippet:   f.Snippet,
			store.MetaErrorType: string(f.ErrorType),
			store.MetaSeverity:  f.Severity,
			store.MetaFixable:   strconv.FormatBool(f.Fixable),
		},
	}
}
