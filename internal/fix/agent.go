package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imkarma/autofix/internal/agent"
	"github.com/imkarma/autofix/internal/store"
)

// ErrBlocked is returned when the agent declines with a BLOCKED reply.
var ErrBlocked = errors.New("agent blocked")

// PromptBuilder renders the prompt for one task.
type PromptBuilder interface {
	BuildFixPrompt(task store.TaskRequest) (string, error)
}

// AgentFixer asks an AI agent for a unified diff and applies it through the
// same strict hunk matching as PatchFixer. Hunk context is the staleness
// guard for files the task did not name, so it also serves plan tasks
// without a target. Every result is routed to human review.
type AgentFixer struct {
	runner  agent.Runner
	prompts PromptBuilder
	root    string
	logger  *slog.Logger
}

// NewAgentFixer wires a runner and prompt builder for the repository at root.
func NewAgentFixer(runner agent.Runner, prompts PromptBuilder, root string, logger *slog.Logger) *AgentFixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentFixer{
		runner:  runner,
		prompts: prompts,
		root:    root,
		logger:  logger.With("component", "agent-fixer", "agent", runner.Name()),
	}
}

func (f *AgentFixer) Name() string { return "agent:" + f.runner.Name() }

func (f *AgentFixer) Supports(task store.TaskRequest) bool {
	return task.Kind == store.KindFix
}

func (f *AgentFixer) TargetFree() bool { return true }

func (f *AgentFixer) Prepare(ctx context.Context, task store.TaskRequest) (*Plan, error) {
	prompt, err := f.prompts.BuildFixPrompt(task)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	f.logger.Info("running agent", "task_id", task.ID, "mode", f.runner.Mode())
	resp, err := f.runner.Run(ctx, agent.Request{TaskID: task.ID, Prompt: prompt, WorkDir: f.root})
	if err != nil {
		return nil, fmt.Errorf("run agent: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("run agent: %w", resp.Error)
	}
	f.logger.Debug("agent finished", "task_id", task.ID, "duration_s", resp.Duration)

	if reason := agent.ParseBlocked(resp.Output); reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, reason)
	}
	patch := agent.ExtractPatch(resp.Output)
	if patch == "" {
		return nil, errors.New("agent reply contained no patch")
	}

	plan, err := PreparePatch(f.root, patch)
	if err != nil {
		return nil, err
	}
	plan.Classification = Classify(task)
	plan.ForceReview = true
	return plan, nil
}
