package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/autofix/internal/config"
)

// CLIRunner spawns an external CLI process (claude, gemini, codex, ollama, etc.)
// and passes the prompt as the final argument.
type CLIRunner struct {
	name string
	cfg  config.Agent
}

// NewCLIRunner creates a runner that spawns CLI processes.
func NewCLIRunner(name string, cfg config.Agent) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return "cli" }

// Run spawns the agent in the repo root, e.g. for cmd="claude":
//
//	claude --print --model sonnet "<prompt>"
//
// Non-interactive flags come from config.Agent.EffectiveArgs. A non-zero exit
// is reported in Response.Error, not as a returned error, so partial output
// is still available to the caller.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := append(r.cfg.EffectiveArgs(), req.Prompt)

	timeout := time.Duration(r.cfg.DefaultTimeout()) * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	resp := &Response{
		Output:   stdout.String(),
		Duration: time.Since(start).Seconds(),
	}
	if err == nil {
		return resp, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s timed out after %ds", r.name, int(timeout.Seconds()))
		return resp, resp.Error
	}

	resp.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		resp.ExitCode = exitErr.ExitCode()
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %s", r.name, resp.ExitCode, msg)
	} else {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %w", r.name, resp.ExitCode, err)
	}
	return resp, nil
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
