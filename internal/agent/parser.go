package agent

import (
	"regexp"
	"strings"
)

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "BLOCKED:") {
			return strings.TrimSpace(trimmed[8:])
		}
	}
	return ""
}

var fencedDiffRe = regexp.MustCompile("(?s)```(?:diff|patch)[^\\n]*\\n(.*?)```")

// ExtractPatch pulls a unified diff out of agent output. A fenced
// ```diff (or ```patch) block wins; otherwise everything from the first
// "--- " header line is taken. Returns "" when no diff is present.
func ExtractPatch(output string) string {
	if m := fencedDiffRe.FindStringSubmatch(output); m != nil {
		return ensureNewline(m[1])
	}

	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			return ensureNewline(strings.Join(lines[i:], "\n"))
		}
	}
	return ""
}

func ensureNewline(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}
