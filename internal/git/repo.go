// Package git records autofix changes in the repository being repaired.
// Fixes land in the working tree; with auto-commit enabled, each verified
// fix that needs no review becomes one commit touching only its files.
package git

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Repo runs git in one working directory.
type Repo struct {
	workDir string
	mu      sync.Mutex // git holds an index lock; one writer at a time
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

// IsGitRepo checks if the working directory is inside a git work tree.
func (r *Repo) IsGitRepo() bool {
	out, err := r.output("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the name of the current git branch.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.output("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges reports whether any of files (or, with no files,
// anything in the work tree) differs from HEAD.
func (r *Repo) HasUncommittedChanges(files ...string) bool {
	args := append([]string{"status", "--porcelain", "--"}, files...)
	out, err := r.output(args...)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// CommitFiles stages exactly files and commits them. Other staged or
// unstaged changes are left alone. Returns true if a commit was made, false
// if the files had nothing to commit.
func (r *Repo) CommitFiles(message string, files []string) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if out, err := r.combined(append([]string{"add", "-A", "--"}, files...)...); err != nil {
		return false, fmt.Errorf("git add: %s", out)
	}

	quiet := exec.Command("git", append([]string{"diff", "--cached", "--quiet", "--"}, files...)...)
	quiet.Dir = r.workDir
	if err := quiet.Run(); err == nil {
		return false, nil
	}

	if out, err := r.combined(append([]string{"commit", "--only", "-m", message, "--"}, files...)...); err != nil {
		return false, fmt.Errorf("git commit: %s", out)
	}
	return true, nil
}

// DiffStat summarizes uncommitted changes to files (all files when empty).
func (r *Repo) DiffStat(files ...string) (string, error) {
	out, err := r.output(append([]string{"diff", "--stat", "HEAD", "--"}, files...)...)
	if err != nil {
		return "", fmt.Errorf("git diff --stat: %w", err)
	}
	return out, nil
}

// Diff returns the uncommitted diff of files (all files when empty).
func (r *Repo) Diff(files ...string) (string, error) {
	out, err := r.output(append([]string{"diff", "HEAD", "--"}, files...)...)
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return out, nil
}

func (r *Repo) output(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	return string(out), err
}

func (r *Repo) combined(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
