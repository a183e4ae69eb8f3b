// Package executor consumes task.assigned events and runs each task inside
// the safety-check, backup, apply, rollback-on-failure protocol.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imkarma/autofix/internal/backup"
	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/fix"
	"github.com/imkarma/autofix/internal/safety"
	"github.com/imkarma/autofix/internal/store"
)

// Validator checks files after a fix is applied.
type Validator interface {
	Validate(paths []string) error
}

// Committer records a successful fix in version control.
type Committer interface {
	CommitFiles(message string, files []string) (bool, error)
}

// Config configures an Executor.
type Config struct {
	RepoRoot            string
	MaxConcurrentTasks  int     // default 3
	ConfidenceThreshold float64 // default 0.7
	Fixers              []fix.Fixer
	Validator           Validator // default fix.PostValidator
	Committer           Committer // nil disables auto-commit
	Source              string    // event source, default "executor"
}

// Executor is a bounded pool of task runners fed by the bus.
type Executor struct {
	bus     bus.Bus
	checker *safety.Checker
	backups *backup.Manager
	cfg     Config
	logger  *slog.Logger

	sem   chan struct{}
	locks *keyedMutex
	wg    sync.WaitGroup

	mu      sync.Mutex
	claimed map[string]bool
	subID   string
	stopped chan struct{}
}

// New creates an executor. It does nothing until Start.
func New(b bus.Bus, checker *safety.Checker, backups *backup.Manager, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.Validator == nil {
		cfg.Validator = fix.PostValidator{}
	}
	if cfg.Source == "" {
		cfg.Source = "executor"
	}
	return &Executor{
		bus:     b,
		checker: checker,
		backups: backups,
		cfg:     cfg,
		logger:  logger.With("component", "executor"),
		sem:     make(chan struct{}, cfg.MaxConcurrentTasks),
		locks:   newKeyedMutex(),
		claimed: make(map[string]bool),
	}
}

// Start subscribes to task.assigned. Tasks run detached from ctx's
// cancellation so a shutdown never interrupts a fix halfway; use Wait to
// drain them.
func (e *Executor) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID != "" {
		return
	}
	stopped := make(chan struct{})
	e.stopped = stopped
	e.subID = e.bus.Subscribe(bus.TopicTaskAssigned, func(hctx context.Context, ev store.Event) error {
		return e.handle(hctx, runCtx, stopped, ev)
	})
	e.logger.Info("executor started", "max_concurrent_tasks", e.cfg.MaxConcurrentTasks)
}

// Stop unsubscribes and abandons assignments still waiting for a pool slot.
// Running tasks continue; use Wait.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID == "" {
		return
	}
	close(e.stopped)
	e.bus.Unsubscribe(e.subID)
	e.subID = ""
}

// Wait blocks until every running task has finished, and every handler
// waiting for a slot has given up, or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle claims the task and waits for a pool slot. While the pool is full
// it blocks, which leaves later tasks queued in the bus mailbox. A task that
// gets its slot after Stop is released without running.
func (e *Executor) handle(hctx, runCtx context.Context, stopped <-chan struct{}, ev store.Event) error {
	task, err := bus.DecodeTask(ev)
	if err != nil {
		e.logger.Error("dropping undecodable task", "event_id", ev.ID, "error", err)
		return nil
	}
	if !e.claim(task.ID) {
		e.logger.Debug("duplicate delivery ignored", "task_id", task.ID)
		return nil
	}

	if !e.register(stopped) {
		e.logger.Info("executor stopped, task not started", "task_id", task.ID)
		e.release(task.ID)
		return nil
	}
	select {
	case e.sem <- struct{}{}:
	case <-stopped:
		e.abandon(task.ID)
		return nil
	case <-hctx.Done():
		e.release(task.ID)
		e.wg.Done()
		return hctx.Err()
	}

	select {
	case <-stopped:
		<-e.sem
		e.abandon(task.ID)
		return nil
	default:
	}

	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		defer e.release(task.ID)
		e.ExecuteTask(runCtx, task)
	}()
	return nil
}

// register adds a handler to the WaitGroup unless Stop already ran. Stop
// closes stopped under the same lock, so no Add can race a Wait that
// follows it.
func (e *Executor) register(stopped <-chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-stopped:
		return false
	default:
	}
	e.wg.Add(1)
	return true
}

// abandon drops an assignment accepted before Stop. The task stays
// dispatched in the ledger and is reset on the next start.
func (e *Executor) abandon(id string) {
	e.logger.Info("executor stopped, task not started", "task_id", id)
	e.release(id)
	e.wg.Done()
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed[id] {
		return false
	}
	e.claimed[id] = true
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.claimed, id)
	e.mu.Unlock()
}

// ExecuteTask runs one task end to end, publishes task:started and then
// task:completed or task:failed, and returns the result.
func (e *Executor) ExecuteTask(ctx context.Context, task store.TaskRequest) store.TaskResult {
	start := time.Now()
	log := e.logger.With("task_id", task.ID, "target", task.Target)
	tasksRunning.Inc()
	defer tasksRunning.Dec()

	started := task
	started.Status = store.StatusInProgress
	started.UpdatedAt = start.UTC()
	if _, err := e.bus.Publish(ctx, bus.TopicTaskStarted, e.cfg.Source, started); err != nil {
		log.Warn("publish task started", "error", err)
	}

	res := e.execute(ctx, task, log)
	res.TaskID = task.ID
	res.CompletedAt = time.Now().UTC()
	res.Metrics.ExecutionTimeMs = time.Since(start).Milliseconds()
	if res.Fatal {
		res.RequiresHumanReview = true
	}

	topic, outcome := bus.TopicTaskCompleted, "completed"
	switch {
	case res.Fatal:
		topic, outcome = bus.TopicTaskFailed, "fatal"
		log.Error("rollback failed, repository state unverified", "errors", res.Errors)
	case !res.Success:
		topic, outcome = bus.TopicTaskFailed, "failed"
		log.Warn("task failed", "message", res.Message, "errors", res.Errors)
	default:
		confidenceScores.Observe(res.ConfidenceScore)
		log.Info("task completed", "message", res.Message,
			"confidence", res.ConfidenceScore, "review", res.RequiresHumanReview)
	}
	tasksExecuted.WithLabelValues(outcome).Inc()
	taskDuration.Observe(time.Since(start).Seconds())

	if _, err := e.bus.Publish(ctx, topic, e.cfg.Source, res); err != nil {
		log.Error("publish task result", "topic", topic, "error", err)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, task store.TaskRequest, log *slog.Logger) store.TaskResult {
	fixer := fix.Select(e.cfg.Fixers, task)
	if fixer == nil {
		if task.Kind == store.KindReview {
			return store.TaskResult{Success: true, Message: "flagged for human review", RequiresHumanReview: true}
		}
		return failure("no fixer available", true)
	}
	log = log.With("fixer", fixer.Name())

	target := ""
	if task.HasTarget() {
		target = e.resolve(task.Target)
		unlock := e.locks.Lock(target)
		defer unlock()
		if res, ok := e.checkFresh(task, target); !ok {
			return res
		}
	} else if !fix.IsTargetFree(fixer) {
		return failure("no target file", true)
	}

	plan, err := fixer.Prepare(ctx, task)
	if err != nil {
		return failure("fix preparation failed", errors.Is(err, fix.ErrBlocked), err)
	}

	if target != "" {
		if res, ok := e.checkFresh(task, target); !ok {
			return res
		}
	} else {
		unlock := e.locks.LockAll(append(append([]string(nil), plan.Files...), plan.Created...))
		defer unlock()
	}

	records := make([]*store.BackupRecord, 0, len(plan.Files))
	for _, path := range plan.Files {
		rec, err := e.backups.CreateBackup(task.ID, path)
		if err != nil {
			for _, r := range records {
				if cerr := e.backups.CleanupBackup(r); cerr != nil {
					log.Warn("cleanup partial backups", "path", r.Path, "error", cerr)
				}
			}
			return failure("backup failed", false, err)
		}
		records = append(records, rec)
	}

	changes, err := plan.Apply()
	if err != nil {
		return e.rollback(records, plan.Created, "apply failed", err, log)
	}

	if err := e.cfg.Validator.Validate(append(append([]string(nil), plan.Files...), plan.Created...)); err != nil {
		return e.rollback(records, plan.Created, "post-validation failed", err, log)
	}

	lines := 0
	for _, c := range changes {
		lines += c.LinesChanged
	}
	score := ConfidenceScore(plan.Classification, plan.Complexity, len(changes))
	review := plan.ForceReview || RequiresHumanReview(score, e.cfg.ConfidenceThreshold, len(changes))

	for _, r := range records {
		if err := e.backups.CleanupBackup(r); err != nil {
			log.Warn("cleanup backup", "path", r.BackupPath, "error", err)
		}
	}

	msg := fmt.Sprintf("fixed by %s", fixer.Name())
	if review {
		msg += ", awaiting human review"
	} else if e.cfg.Committer != nil {
		files := make([]string, 0, len(changes))
		for _, c := range changes {
			files = append(files, c.File)
		}
		committed, err := e.cfg.Committer.CommitFiles(fmt.Sprintf("autofix: %s (%s)", task.Description, task.ID), files)
		switch {
		case err != nil:
			log.Warn("auto-commit failed", "error", err)
		case committed:
			msg += ", committed"
		}
	}

	return store.TaskResult{
		Success:             true,
		Message:             msg,
		Changes:             changes,
		ConfidenceScore:     score,
		RequiresHumanReview: review,
		Metrics: store.Metrics{
			LinesOfCode: lines,
			Complexity:  plan.Complexity,
		},
	}
}

// checkFresh fails the task when target changed since discovery.
func (e *Executor) checkFresh(task store.TaskRequest, target string) (store.TaskResult, bool) {
	ok, err := e.checker.PreExecutionCheck(target, task.Meta(store.MetaHash))
	if err != nil {
		return failure("safety check failed", true, err), false
	}
	if !ok {
		res := failure("stale file: "+task.Target, false)
		res.Stale = true
		return res, false
	}
	return store.TaskResult{}, true
}

// rollback restores every backup and removes created files. A failure to
// restore any of them makes the result fatal.
func (e *Executor) rollback(records []*store.BackupRecord, created []string, msg string, cause error, log *slog.Logger) store.TaskResult {
	res := failure(msg, false, cause)
	reason := fmt.Sprintf("%s: %v", msg, cause)

	for _, r := range records {
		if err := e.backups.RollbackOnFailure(r, reason); err != nil {
			res.Fatal = true
			res.Errors = append(res.Errors, err.Error())
			rollbacks.WithLabelValues("failed").Inc()
			continue
		}
		rollbacks.WithLabelValues("ok").Inc()
	}
	for _, p := range created {
		if err := removeCreated(p); err != nil {
			res.Fatal = true
			res.Errors = append(res.Errors, fmt.Errorf("%w: remove %s: %v", backup.ErrRollbackFailed, p, err).Error())
		}
	}
	if res.Fatal {
		res.RequiresHumanReview = true
		res.Message = msg + "; rollback failed"
		log.Error("rollback failed", "errors", res.Errors)
	}
	return res
}

func (e *Executor) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.cfg.RepoRoot, filepath.FromSlash(p))
}

func failure(msg string, review bool, errs ...error) store.TaskResult {
	res := store.TaskResult{Success: false, Message: msg, RequiresHumanReview: review}
	for _, err := range errs {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

func removeCreated(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
