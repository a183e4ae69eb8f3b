package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/imkarma/autofix/internal/store"
)

// Detector names.
const (
	DetectorDebugStatement = "debug-statement"
	DetectorTodoComment    = "todo-comment"
)

// Finding is one detector hit on one line.
type Finding struct {
	Detector  string
	Line      int // 1-based
	Snippet   string
	Kind      store.TaskKind
	Priority  store.Priority
	ErrorType store.Classification
	Severity  string
	Fixable   bool
	Message   string
}

// Detector inspects a single line of a file with the given extension.
type Detector interface {
	Name() string
	Detect(ext, line string) (Finding, bool)
}

// SelectDetectors returns the named built-in detectors, or all when names
// is empty.
func SelectDetectors(names []string) ([]Detector, error) {
	all := []Detector{debugStatement{}, todoComment{}}
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Detector, len(all))
	for _, d := range all {
		byName[d.Name()] = d
	}
	var out []Detector
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

// debugStatement flags lines that consist of a leftover debug call.
type debugStatement struct{}

var debugPrefixes = map[string][]string{
	".js":  {"console.log(", "console.debug(", "debugger;"},
	".jsx": {"console.log(", "console.debug(", "debugger;"},
	".mjs": {"console.log(", "console.debug(", "debugger;"},
	".cjs": {"console.log(", "console.debug(", "debugger;"},
	".ts":  {"console.log(", "console.debug(", "debugger;"},
	".tsx": {"console.log(", "console.debug(", "debugger;"},
	".go":  {"println("},
}

func (debugStatement) Name() string { return DetectorDebugStatement }

func (debugStatement) Detect(ext, line string) (Finding, bool) {
	trimmed := strings.TrimSpace(line)
	for _, p := range debugPrefixes[ext] {
		if strings.HasPrefix(trimmed, p) {
			return Finding{
				Detector:  DetectorDebugStatement,
				Snippet:   trimmed,
				Kind:      store.KindFix,
				Priority:  store.PriorityMedium,
				ErrorType: store.ClassSyntax,
				Severity:  "warning",
				Fixable:   true,
				Message:   "debug statement left in source",
			}, true
		}
	}
	return Finding{}, false
}

// todoComment flags TODO/FIXME markers inside comments. These need a human,
// so they become review tasks.
type todoComment struct{}

var todoRe = regexp.MustCompile(`(?://|#|/\*|^\s*\*)\s*(TODO|FIXME)\b:?\s*(.*)$`)

func (todoComment) Name() string { return DetectorTodoComment }

func (todoComment) Detect(_ string, line string) (Finding, bool) {
	m := todoRe.FindStringSubmatch(line)
	if m == nil {
		return Finding{}, false
	}
	msg := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "*/"))
	if msg == "" {
		msg = "unresolved " + m[1]
	}
	return Finding{
		Detector:  DetectorTodoComment,
		Snippet:   strings.TrimSpace(line),
		Kind:      store.KindReview,
		Priority:  store.PriorityLow,
		ErrorType: store.ClassLogic,
		Severity:  "info",
		Fixable:   false,
		Message:   m[1] + ": " + msg,
	}, true
}
