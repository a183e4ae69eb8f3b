package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/imkarma/autofix/internal/agent"
	"github.com/imkarma/autofix/internal/backup"
	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/config"
	agentctx "github.com/imkarma/autofix/internal/context"
	"github.com/imkarma/autofix/internal/executor"
	"github.com/imkarma/autofix/internal/fix"
	"github.com/imkarma/autofix/internal/git"
	"github.com/imkarma/autofix/internal/health"
	"github.com/imkarma/autofix/internal/orchestrator"
	"github.com/imkarma/autofix/internal/safety"
	"github.com/imkarma/autofix/internal/source"
	"github.com/imkarma/autofix/internal/store"
)

// app holds every component of a running orchestrator, wired once.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	bus     *bus.EventBus
	source  *source.Source
	backups *backup.Manager
	exec    *executor.Executor
	health  *health.Reporter
	orch    *orchestrator.Orchestrator
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := mustStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	log, err := openLog(cfg, s)
	if err != nil {
		return nil, err
	}
	a.bus = bus.New(log, bus.Options{
		MaxAttempts: cfg.Executor.MaxAttempts,
		Logger:      logger,
	})

	checker := safety.NewChecker(logger)
	a.source, err = source.New(source.Options{
		Role:        cfg.Role,
		RepoRoot:    cfg.Paths.RepoRoot,
		PendingPath: cfg.Paths.PendingTasks,
		PlanPath:    cfg.Paths.Plan,
		ReportsDir:  cfg.Paths.Reports,
		Roots:       cfg.Scan.Roots,
		Extensions:  cfg.Scan.Extensions,
		IgnoredDirs: cfg.Scan.IgnoredDirs,
		Detectors:   cfg.Scan.Detectors,
	}, checker, logger)
	if err != nil {
		return nil, fmt.Errorf("configure discovery: %w", err)
	}

	a.backups, err = backup.NewManager(cfg.Resolve(cfg.Paths.Backups), logger)
	if err != nil {
		return nil, err
	}
	if orphans, err := a.backups.Orphans(); err == nil && len(orphans) > 0 {
		logger.Warn("backups left by an interrupted run; inspect with autofix status", "count", len(orphans))
	}

	fixers, err := buildFixers(cfg, s, logger)
	if err != nil {
		return nil, err
	}
	execCfg := executor.Config{
		RepoRoot:            cfg.Paths.RepoRoot,
		MaxConcurrentTasks:  cfg.Executor.MaxConcurrentTasks,
		ConfidenceThreshold: cfg.Executor.ConfidenceThreshold,
		Fixers:              fixers,
	}
	if cfg.Git.AutoCommit {
		repo := git.New(cfg.Paths.RepoRoot)
		if !repo.IsGitRepo() {
			return nil, fmt.Errorf("git.auto_commit is set but %s is not a git repository", cfg.Paths.RepoRoot)
		}
		execCfg.Committer = repo
	}
	a.exec = executor.New(a.bus, checker, a.backups, execCfg, logger)

	results, err := s.ListResults()
	if err != nil {
		return nil, fmt.Errorf("load result ledger: %w", err)
	}
	a.health = health.New(cfg.Resolve(cfg.Paths.Health), results, logger)

	a.orch = orchestrator.New(orchestrator.Config{
		Source:          a.source,
		Bus:             a.bus,
		Store:           s,
		Health:          a.health,
		Interval:        cfg.Scan.Interval,
		CycleTimeout:    cfg.Executor.CycleTimeout,
		ShutdownTimeout: cfg.Executor.ShutdownTimeout,
		DispatchRate:    cfg.Executor.DispatchRate,
		Logger:          logger,
	})

	ok = true
	return a, nil
}

// openLog picks the durable log behind the bus.
func openLog(cfg *config.Config, s *store.Store) (bus.Log, error) {
	switch cfg.Bus.Transport {
	case "memory":
		return bus.NewMemoryLog(), nil
	case "jsonl":
		return bus.OpenJSONLLog(cfg.Resolve(cfg.Paths.EventLog))
	default:
		return bus.NewStoreLog(s), nil
	}
}

// buildFixers orders fixers by specificity: explicit patches, then rules,
// then the configured AI agent for everything else.
func buildFixers(cfg *config.Config, s *store.Store, logger *slog.Logger) ([]fix.Fixer, error) {
	root := cfg.Paths.RepoRoot
	fixers := []fix.Fixer{fix.NewPatchFixer(root), fix.NewRuleFixer(root)}

	name := cfg.Executor.Fixer
	if name == "" {
		return fixers, nil
	}
	runner, err := agent.NewRunner(name, cfg.Agents[name])
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	prompts := agentctx.New(s, root)
	return append(fixers, fix.NewAgentFixer(runner, prompts, root, logger)), nil
}

func (a *app) start(ctx context.Context) error {
	a.exec.Start(ctx)
	return a.orch.Start()
}

// shutdown drains executors and deliveries, then persists health.
func (a *app) shutdown() {
	a.exec.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Executor.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := a.exec.Wait(ctx); err != nil {
		a.logger.Warn("executors still running at shutdown", "error", err)
	}
	if err := a.bus.Flush(ctx); err != nil {
		a.logger.Warn("undelivered events at shutdown", "error", err)
	}
	a.orch.Stop()
	if err := a.health.Persist(); err != nil {
		a.logger.Error("persist health", "error", err)
	}
}

func (a *app) close() {
	if a.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.bus.Close(ctx); err != nil {
			a.logger.Warn("close bus", "error", err)
		}
		cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func printReport(r *orchestrator.CycleReport) {
	fmt.Printf("%sCycle #%d%s %s%s%s (%s)\n", colorBold, r.ID, colorReset,
		statusColor(string(r.Status)), r.Status, colorReset, r.Duration.Round(time.Millisecond))
	fmt.Printf("  %-12s %d\n", "discovered:", r.Discovered)
	fmt.Printf("  %-12s %d\n", "skipped:", r.Skipped)
	fmt.Printf("  %-12s %d\n", "dispatched:", r.Dispatched)
	fmt.Printf("  %-12s %s%d%s\n", "completed:", colorGreen, r.Completed, colorReset)
	if r.Failed > 0 {
		fmt.Printf("  %-12s %s%d%s\n", "failed:", colorRed, r.Failed, colorReset)
	}
	if r.DispatchErrors > 0 {
		fmt.Printf("  %-12s %s%d%s\n", "undelivered:", colorYellow, r.DispatchErrors, colorReset)
	}
	if len(r.Outstanding) > 0 {
		ids := append([]string(nil), r.Outstanding...)
		sort.Strings(ids)
		fmt.Printf("  %-12s %s%v%s\n", "outstanding:", colorYellow, ids, colorReset)
	}
	if r.Fatal {
		fmt.Printf("\n%s✗ A rollback failed. The repository needs a human: see autofix status.%s\n", colorRed+colorBold, colorReset)
	}
}
