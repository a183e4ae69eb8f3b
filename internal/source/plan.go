package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/imkarma/autofix/internal/store"
)

// PlanEntry is one task block from the plan document.
type PlanEntry struct {
	ID          string
	Priority    store.Priority
	Description string
	Responsible string
	Target      string
	Acceptance  string
	Line        int // line of the Task field
}

// PlanError describes one malformed entry. The entry is skipped; parsing
// continues with the next Task field.
type PlanError struct {
	Line  int
	Field string
	Msg   string
}

func (e *PlanError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("plan line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("plan line %d: %s: %s", e.Line, e.Field, e.Msg)
}

var (
	planFieldRe = regexp.MustCompile(`^\*\*([A-Za-z]+):\*\*\s*(.*)$`)
	planTaskRe  = regexp.MustCompile("^`([^`]+)`\\s*\\(([A-Za-z]+)\\)")
)

// ParsePlan reads the plan template:
//
//	**Task:** `T-12` (high)
//	**Description:** text
//	**Responsible:** **<role> (executor)**
//	**Target:** path
//	**Acceptance:** text
//
// Labels are case-insensitive. Target and Acceptance are optional. Lines that
// are not bold fields are ignored.
func ParsePlan(r io.Reader) ([]PlanEntry, []error) {
	var (
		entries []PlanEntry
		errs    []error
		cur     *PlanEntry
		bad     bool
		seen    map[string]bool
	)

	flush := func() {
		if cur == nil {
			return
		}
		if !bad {
			switch {
			case cur.Description == "":
				errs = append(errs, &PlanError{Line: cur.Line, Field: "description", Msg: "missing"})
			case cur.Responsible == "":
				errs = append(errs, &PlanError{Line: cur.Line, Field: "responsible", Msg: "missing"})
			default:
				entries = append(entries, *cur)
			}
		}
		cur, bad, seen = nil, false, nil
	}
	fail := func(line int, field, msg string) {
		errs = append(errs, &PlanError{Line: line, Field: field, Msg: msg})
		bad = true
	}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		m := planFieldRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		field, value := strings.ToLower(m[1]), strings.TrimSpace(m[2])

		if field == "task" {
			flush()
			cur = &PlanEntry{Line: lineNo}
			seen = map[string]bool{"task": true}
			tm := planTaskRe.FindStringSubmatch(value)
			if tm == nil {
				fail(lineNo, field, "expected `ID` (priority)")
				continue
			}
			prio, ok := store.ParsePriority(strings.ToLower(tm[2]))
			if !ok {
				fail(lineNo, field, fmt.Sprintf("unknown priority %q", tm[2]))
				continue
			}
			cur.ID = strings.TrimSpace(tm[1])
			cur.Priority = prio
			if cur.ID == "" {
				fail(lineNo, field, "empty id")
			}
			continue
		}

		if cur == nil {
			errs = append(errs, &PlanError{Line: lineNo, Field: field, Msg: "field outside a task"})
			continue
		}
		if bad {
			continue
		}
		if seen[field] {
			fail(lineNo, field, "duplicate field")
			continue
		}
		seen[field] = true

		switch field {
		case "description":
			cur.Description = value
		case "responsible":
			cur.Responsible = cleanResponsible(value)
		case "target":
			cur.Target = value
		case "acceptance":
			cur.Acceptance = value
		default:
			fail(lineNo, field, "unknown field")
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return entries, errs
}

// cleanResponsible turns "**Amazon (executor)**" into "Amazon".
func cleanResponsible(v string) string {
	v = strings.ReplaceAll(v, "**", "")
	if i := strings.Index(strings.ToLower(v), "(executor)"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// LoadPlan parses the plan document and returns tasks for entries this role
// is responsible for. Malformed entries are logged and skipped.
func (s *Source) LoadPlan(ctx context.Context) ([]store.TaskRequest, error) {
	if s.opts.PlanPath == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.resolve(s.opts.PlanPath)
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("plan unreadable", "path", p, "error", err)
		return nil, nil
	}
	defer f.Close()

	entries, errs := ParsePlan(f)
	for _, e := range errs {
		s.logger.Warn("plan entry skipped", "path", p, "error", e)
	}

	now := time.Now().UTC()
	var tasks []store.TaskRequest
	for _, e := range entries {
		if !s.roleMatches(e.Responsible) {
			continue
		}
		target := store.NoTarget
		if e.Target != "" {
			target = e.Target
		}
		meta := map[string]string{
			store.MetaSource:         "plan",
			store.MetaAnalysisReport: path.Join(s.opts.ReportsDir, "analysis_"+e.ID+".json"),
		}
		if e.Acceptance != "" {
			meta[store.MetaAcceptance] = e.Acceptance
		}
		if h := s.hashTarget(target); h != "" {
			meta[store.MetaHash] = h
		}
		tasks = append(tasks, store.TaskRequest{
			ID:          e.ID,
			Kind:        store.KindFix,
			Priority:    e.Priority,
			Target:      target,
			Description: e.Description,
			Status:      store.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			Metadata:    meta,
		})
	}
	return tasks, nil
}
