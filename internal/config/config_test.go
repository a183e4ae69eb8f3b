package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEffectiveArgs(t *testing.T) {
	cases := []struct {
		name  string
		agent Agent
		want  []string
	}{
		{"api mode unchanged", Agent{Mode: "api", Args: []string{"--x"}, AutoAccept: true}, []string{"--x"}},
		{"claude print", Agent{Mode: "cli", Cmd: "claude"}, []string{"--print"}},
		{"claude auto accept", Agent{Mode: "cli", Cmd: "claude", AutoAccept: true}, []string{"--dangerously-skip-permissions", "--print"}},
		{"claude short print kept", Agent{Mode: "cli", Cmd: "claude", Args: []string{"-p"}}, []string{"-p"}},
		{"gemini yolo", Agent{Mode: "cli", Cmd: "gemini", AutoAccept: true}, []string{"--yolo"}},
		{"codex approval mode respected", Agent{Mode: "cli", Cmd: "codex", Args: []string{"--approval-mode", "x"}, AutoAccept: true}, []string{"--approval-mode", "x"}},
		{"unknown cli", Agent{Mode: "cli", Cmd: "ollama", Args: []string{"run"}, AutoAccept: true}, []string{"run"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.agent.EffectiveArgs()
			if strings.Join(got, " ") != strings.Join(tc.want, " ") {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEffectiveArgs_DoesNotMutateOriginal(t *testing.T) {
	orig := []string{"--model", "sonnet"}
	a := Agent{Mode: "cli", Cmd: "claude", Args: orig, AutoAccept: true}
	a.EffectiveArgs()
	if len(orig) != 2 || orig[0] != "--model" {
		t.Fatalf("original args mutated: %v", orig)
	}
}

func TestDefaultTimeout(t *testing.T) {
	if got := (Agent{TimeoutSec: 42}).DefaultTimeout(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := (Agent{}).DefaultTimeout(); got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
}

// --- Load / Save / Validate tests ---

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 3 {
		t.Fatalf("expected default 3 workers, got %d", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Scan.Interval != 30*time.Second {
		t.Fatalf("expected default interval 30s, got %s", cfg.Scan.Interval)
	}
	if cfg.Bus.Transport != "sqlite" {
		t.Fatalf("expected sqlite transport, got %s", cfg.Bus.Transport)
	}
	if len(cfg.Scan.IgnoredDirs) == 0 {
		t.Fatal("expected default ignored dirs")
	}
}

func TestLoad_PartialFileKeepsOtherDefaults(t *testing.T) {
	p := writeConfig(t, `version: 1
role: amazon
scan:
  roots: [lib]
  interval: 10s
executor:
  confidence_threshold: 0.8
agents:
  claude:
    role: fixer
    mode: cli
    cmd: claude
    auto_accept: true
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Role != "amazon" {
		t.Fatalf("expected role amazon, got %s", cfg.Role)
	}
	if len(cfg.Scan.Roots) != 1 || cfg.Scan.Roots[0] != "lib" {
		t.Fatalf("expected roots [lib], got %v", cfg.Scan.Roots)
	}
	if cfg.Scan.Interval != 10*time.Second {
		t.Fatalf("expected 10s, got %s", cfg.Scan.Interval)
	}
	if cfg.Executor.ConfidenceThreshold != 0.8 {
		t.Fatalf("expected threshold 0.8, got %v", cfg.Executor.ConfidenceThreshold)
	}
	if cfg.Executor.MaxConcurrentTasks != 3 {
		t.Fatalf("expected default workers to survive, got %d", cfg.Executor.MaxConcurrentTasks)
	}
	if !cfg.Agents["claude"].AutoAccept {
		t.Fatal("expected claude auto_accept to be true")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AUTOFIX_EXECUTOR_MAX_CONCURRENT_TASKS", "5")
	t.Setenv("AUTOFIX_ROLE", "night-shift")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 5 {
		t.Fatalf("expected 5 from env, got %d", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Role != "night-shift" {
		t.Fatalf("expected role from env, got %s", cfg.Role)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero workers":    "executor:\n  max_concurrent_tasks: 0\n",
		"threshold > 1":   "executor:\n  confidence_threshold: 1.5\n",
		"threshold zero":  "executor:\n  confidence_threshold: 0\n",
		"bad transport":   "bus:\n  transport: kafka\n",
		"bad extension":   "scan:\n  extensions: [ts]\n",
		"agent no mode":   "agents:\n  bad:\n    role: fixer\n",
		"cli without cmd": "agents:\n  bad:\n    role: fixer\n    mode: cli\n",
		"api no provider": "agents:\n  bad:\n    role: fixer\n    mode: api\n",
		"agent no role":   "agents:\n  bad:\n    mode: cli\n    cmd: claude\n",
		"unknown fixer":   "executor:\n  fixer: ghost\n",
		"malformed yaml":  "scan: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestSave_And_Reload(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Role = "amazon"
	cfg.Executor.Fixer = "claude"
	cfg.Agents = map[string]Agent{
		"claude": {Role: "fixer", Mode: "cli", Cmd: "claude", Args: []string{"--model", "sonnet"}},
	}

	if err := Save(p, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Role != "amazon" {
		t.Fatalf("expected role amazon, got %s", loaded.Role)
	}
	if loaded.Executor.CycleTimeout != cfg.Executor.CycleTimeout {
		t.Fatalf("expected cycle timeout %s, got %s", cfg.Executor.CycleTimeout, loaded.Executor.CycleTimeout)
	}
	if got := loaded.Agents["claude"].Args; len(got) != 2 || got[1] != "sonnet" {
		t.Fatalf("expected args to round-trip, got %v", got)
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.RepoRoot = "/repo"

	if got := cfg.Resolve(".autofix/health.json"); got != filepath.Join("/repo", ".autofix/health.json") {
		t.Fatalf("unexpected resolve: %s", got)
	}
	if got := cfg.Resolve("/abs/file"); got != "/abs/file" {
		t.Fatalf("absolute path changed: %s", got)
	}
	if got := cfg.Resolve(""); got != "" {
		t.Fatalf("empty path should stay empty, got %q", got)
	}
}

func TestAgentsByRole(t *testing.T) {
	cfg := &Config{Agents: map[string]Agent{
		"a": {Role: "fixer"},
		"b": {Role: "reviewer"},
		"c": {Role: "fixer"},
	}}
	if got := cfg.AgentsByRole("fixer"); len(got) != 2 {
		t.Fatalf("expected 2 fixers, got %d", len(got))
	}
}
