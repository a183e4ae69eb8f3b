package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOFIX_EXECUTOR_MAX_CONCURRENT_TASKS.
const EnvPrefix = "AUTOFIX"

// Config is the root configuration for an autofix workspace.
type Config struct {
	Version  int              `yaml:"version" mapstructure:"version"`
	Role     string           `yaml:"role" mapstructure:"role" validate:"required"` // Assignee / responsible party this orchestrator serves
	Paths    Paths            `yaml:"paths" mapstructure:"paths"`
	Scan     Scan             `yaml:"scan" mapstructure:"scan"`
	Executor Executor         `yaml:"executor" mapstructure:"executor"`
	Bus      Bus              `yaml:"bus" mapstructure:"bus"`
	Git      Git              `yaml:"git" mapstructure:"git"`
	Agents   map[string]Agent `yaml:"agents,omitempty" mapstructure:"agents"`
}

// Paths locates the documents and state the orchestrator reads and writes.
// Relative paths resolve against RepoRoot.
type Paths struct {
	RepoRoot     string `yaml:"repo_root" mapstructure:"repo_root" validate:"required"`
	PendingTasks string `yaml:"pending_tasks" mapstructure:"pending_tasks"`
	Plan         string `yaml:"plan,omitempty" mapstructure:"plan"`
	Health       string `yaml:"health" mapstructure:"health" validate:"required"`
	Reports      string `yaml:"reports" mapstructure:"reports"`
	Backups      string `yaml:"backups" mapstructure:"backups" validate:"required"`
	EventLog     string `yaml:"event_log" mapstructure:"event_log"`
	Database     string `yaml:"database" mapstructure:"database" validate:"required"`
}

// Scan controls file-tree discovery.
type Scan struct {
	Roots       []string      `yaml:"roots" mapstructure:"roots" validate:"dive,required"`
	Extensions  []string      `yaml:"extensions" mapstructure:"extensions" validate:"min=1,dive,startswith=."`
	IgnoredDirs []string      `yaml:"ignored_dirs" mapstructure:"ignored_dirs"`
	Detectors   []string      `yaml:"detectors,omitempty" mapstructure:"detectors"` // empty = all built-in detectors
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Watch       bool          `yaml:"watch" mapstructure:"watch"`
	Debounce    time.Duration `yaml:"debounce" mapstructure:"debounce" validate:"gte=0"`
}

// Executor controls the worker pool and the review gate.
type Executor struct {
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks" validate:"gte=1,lte=64"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"gt=0,lte=1"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout" mapstructure:"cycle_timeout" validate:"gt=0"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gte=0"`
	DispatchRate        float64       `yaml:"dispatch_rate" mapstructure:"dispatch_rate" validate:"gte=0"` // tasks/second, 0 = unlimited
	MaxAttempts         int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`   // bus delivery attempts per event
	Fixer               string        `yaml:"fixer,omitempty" mapstructure:"fixer"`                        // agent name used for plan tasks; empty disables
}

// Bus selects the durable log behind the event bus.
type Bus struct {
	Transport string `yaml:"transport" mapstructure:"transport" validate:"oneof=memory jsonl sqlite"`
}

// Git controls committing successful fixes.
type Git struct {
	AutoCommit bool `yaml:"auto_commit" mapstructure:"auto_commit"`
}

// Agent describes a single AI agent and how to connect to it.
type Agent struct {
	Role       string   `yaml:"role" mapstructure:"role"`                          // fixer, reviewer
	Mode       string   `yaml:"mode" mapstructure:"mode"`                          // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty" mapstructure:"cmd"`                  // CLI command to spawn
	Args       []string `yaml:"args,omitempty" mapstructure:"args"`                // CLI arguments
	Provider   string   `yaml:"provider,omitempty" mapstructure:"provider"`        // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty" mapstructure:"model"`              // Model name for API mode
	BaseURL    string   `yaml:"base_url,omitempty" mapstructure:"base_url"`        // OpenAI-compatible endpoint override
	APIKeyEnv  string   `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`  // Env var name containing API key
	TimeoutSec int      `yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"`  // Timeout in seconds (0 = default 300)
	AutoAccept bool     `yaml:"auto_accept,omitempty" mapstructure:"auto_accept"`  // Auto-accept all agent actions (skip permissions)
}

// EffectiveArgs returns the final args for a CLI agent, injecting
// non-interactive and auto-accept flags for known CLI tools.
//
// Known tools and their flags:
//   - claude: --print --dangerously-skip-permissions
//   - gemini: --yolo
//   - codex:  --full-auto
//
// Auto-accept flags only apply when auto_accept: true.
func (a Agent) EffectiveArgs() []string {
	if a.Mode != "cli" {
		return a.Args
	}

	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// DefaultTimeout returns the effective timeout for the agent.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 300
}

// Resolve returns p relative to the repo root unless it is already absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.RepoRoot, p)
}

// Load reads the config file at path, applying defaults for missing keys
// and AUTOFIX_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Role:    "autofix",
		Paths: Paths{
			RepoRoot:     ".",
			PendingTasks: "docs/fixing/dashboard.json",
			Plan:         "docs/fixing/DAILY_PLAN.md",
			Health:       ".autofix/health.json",
			Reports:      "docs/fixing/reports",
			Backups:      ".autofix/backups",
			EventLog:     ".autofix/events.jsonl",
			Database:     ".autofix/autofix.db",
		},
		Scan: Scan{
			Roots:       []string{"apps", "packages", "src"},
			Extensions:  []string{".ts", ".js", ".go"},
			IgnoredDirs: []string{"node_modules", ".nx", "dist", "build", ".git", "vendor", ".autofix"},
			Interval:    30 * time.Second,
			Debounce:    2 * time.Second,
		},
		Executor: Executor{
			MaxConcurrentTasks:  3,
			ConfidenceThreshold: 0.7,
			CycleTimeout:        5 * time.Minute,
			ShutdownTimeout:     30 * time.Second,
			MaxAttempts:         3,
		},
		Bus: Bus{Transport: "sqlite"},
	}
}

// setDefaults registers every leaf of d so viper can fall back to it and
// match environment overrides.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("role", d.Role)

	v.SetDefault("paths.repo_root", d.Paths.RepoRoot)
	v.SetDefault("paths.pending_tasks", d.Paths.PendingTasks)
	v.SetDefault("paths.plan", d.Paths.Plan)
	v.SetDefault("paths.health", d.Paths.Health)
	v.SetDefault("paths.reports", d.Paths.Reports)
	v.SetDefault("paths.backups", d.Paths.Backups)
	v.SetDefault("paths.event_log", d.Paths.EventLog)
	v.SetDefault("paths.database", d.Paths.Database)

	v.SetDefault("scan.roots", d.Scan.Roots)
	v.SetDefault("scan.extensions", d.Scan.Extensions)
	v.SetDefault("scan.ignored_dirs", d.Scan.IgnoredDirs)
	v.SetDefault("scan.detectors", d.Scan.Detectors)
	v.SetDefault("scan.interval", d.Scan.Interval)
	v.SetDefault("scan.watch", d.Scan.Watch)
	v.SetDefault("scan.debounce", d.Scan.Debounce)

	v.SetDefault("executor.max_concurrent_tasks", d.Executor.MaxConcurrentTasks)
	v.SetDefault("executor.confidence_threshold", d.Executor.ConfidenceThreshold)
	v.SetDefault("executor.cycle_timeout", d.Executor.CycleTimeout)
	v.SetDefault("executor.shutdown_timeout", d.Executor.ShutdownTimeout)
	v.SetDefault("executor.dispatch_rate", d.Executor.DispatchRate)
	v.SetDefault("executor.max_attempts", d.Executor.MaxAttempts)
	v.SetDefault("executor.fixer", d.Executor.Fixer)

	v.SetDefault("bus.transport", d.Bus.Transport)
	v.SetDefault("git.auto_commit", d.Git.AutoCommit)
}

var validate = validator.New()

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	for name, agent := range c.Agents {
		if agent.Mode == "" {
			return fmt.Errorf("agent %q: mode is required (cli or api)", name)
		}
		if agent.Mode != "cli" && agent.Mode != "api" {
			return fmt.Errorf("agent %q: mode must be 'cli' or 'api', got %q", name, agent.Mode)
		}
		if agent.Mode == "cli" && agent.Cmd == "" {
			return fmt.Errorf("agent %q: cmd is required for cli mode", name)
		}
		if agent.Mode == "api" && agent.Provider == "" {
			return fmt.Errorf("agent %q: provider is required for api mode", name)
		}
		if agent.Role == "" {
			return fmt.Errorf("agent %q: role is required", name)
		}
	}

	if c.Executor.Fixer != "" {
		if _, ok := c.Agents[c.Executor.Fixer]; !ok {
			return fmt.Errorf("executor.fixer: unknown agent %q", c.Executor.Fixer)
		}
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}

// AgentsByRole returns all agents that have the given role.
func (c *Config) AgentsByRole(role string) map[string]Agent {
	result := make(map[string]Agent)
	for name, agent := range c.Agents {
		if agent.Role == role {
			result[name] = agent
		}
	}
	return result
}
