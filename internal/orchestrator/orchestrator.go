// Package orchestrator drives discovery-dispatch-collect cycles. It is the
// only component that mutates the in-flight set and the task ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/imkarma/autofix/internal/backup"
	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/health"
	"github.com/imkarma/autofix/internal/store"
)

// Discoverer yields the tasks for one cycle.
type Discoverer interface {
	Discover(ctx context.Context) ([]store.TaskRequest, error)
}

// Config wires an Orchestrator. Source, Bus, Store and Health are required.
type Config struct {
	Source Discoverer
	Bus    bus.Bus
	Store  *store.Store
	Health *health.Reporter

	Interval        time.Duration // between cycles in Run (default 30s)
	CycleTimeout    time.Duration // max wait for results (default 5m)
	ShutdownTimeout time.Duration // extra wait after cancellation (default 30s)
	DispatchRate    float64       // tasks per second; 0 = unlimited

	Logger *slog.Logger
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID             int64             `json:"id"`
	Status         store.CycleStatus `json:"status"`
	Discovered     int               `json:"discovered"`
	Skipped        int               `json:"skipped"`
	Dispatched     int               `json:"dispatched"`
	DispatchErrors int               `json:"dispatchErrors"`
	Completed      int               `json:"completed"`
	Failed         int               `json:"failed"`
	Outstanding    []string          `json:"outstanding,omitempty"`
	Fatal          bool              `json:"fatal"`
	Duration       time.Duration     `json:"duration"`
}

// cycle tracks results owed to the running cycle.
type cycle struct {
	outstanding map[string]bool
	done        chan struct{}
	completed   int
	failed      int
	fatal       bool
}

// Orchestrator runs cycles one at a time.
type Orchestrator struct {
	cfg     Config
	sm      *stateMachine
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	current  *cycle
	last     *CycleReport
	subs     []string
}

// New creates an orchestrator. Call Start before the first cycle.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		cfg:      cfg,
		sm:       newStateMachine(),
		logger:   cfg.Logger.With("component", "orchestrator"),
		inFlight: make(map[string]bool),
	}
	if cfg.DispatchRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return o
}

// Start recovers from a previous crash and subscribes to task lifecycle
// events.
func (o *Orchestrator) Start() error {
	n, err := o.cfg.Store.ResetStaleTasks()
	if err != nil {
		return fmt.Errorf("reset stale tasks: %w", err)
	}
	if n > 0 {
		o.logger.Warn("reset tasks left in flight by a previous run", "count", n)
	}
	if n, err := o.cfg.Store.MarkInterruptedCycles(); err != nil {
		return fmt.Errorf("mark interrupted cycles: %w", err)
	} else if n > 0 {
		o.logger.Warn("closed cycles interrupted by a previous run", "count", n)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.subs) > 0 {
		return nil
	}
	// One subscription keeps started and finished events for a task in
	// publish order.
	o.subs = []string{o.cfg.Bus.SubscribeAll(o.handleEvent)}
	return nil
}

// Stop unsubscribes the result handler.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.subs {
		o.cfg.Bus.Unsubscribe(id)
	}
	o.subs = nil
}

// State returns the current cycle phase.
func (o *Orchestrator) State() State { return o.sm.Current() }

// InFlight returns the ids dispatched and not yet reported, sorted.
func (o *Orchestrator) InFlight() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.inFlight))
	for id := range o.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastReport returns the most recent finished cycle, or nil.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Run executes a cycle now, then on every Interval tick or trigger, until ctx
// is done. A cycle requested while one runs is skipped.
func (o *Orchestrator) Run(ctx context.Context, trigger <-chan struct{}) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			o.logger.Error("cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
			o.logger.Debug("cycle triggered by file change")
		}
	}
}

// RunCycle runs one full cycle. The report is returned whenever the cycle
// got past its start, even when err is non-nil. err wraps
// backup.ErrRollbackFailed if any task's rollback failed, and the transport
// error if a task could not be dispatched.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if err := o.sm.Transition(StateIdle, StateScanning); err != nil {
		o.logger.Info("cycle skipped, previous cycle still running", "state", o.sm.Current())
		return nil, ErrCycleInProgress
	}

	start := time.Now()
	id, err := o.cfg.Store.StartCycle()
	if err != nil {
		o.sm.Abort()
		return nil, err
	}
	report := &CycleReport{ID: id}
	log := o.logger.With("cycle_id", id)

	tasks, err := o.scan(ctx, report, log)
	if err != nil {
		o.sm.Abort()
		report.Status = store.CycleFailed
		o.finish(report, start, log)
		return report, fmt.Errorf("discover tasks: %w", err)
	}

	if err := o.sm.Transition(StateScanning, StateDispatching); err != nil {
		o.sm.Abort()
		return report, err
	}
	cyc, dispatchErr := o.dispatch(ctx, tasks, report, log)

	if err := o.sm.Transition(StateDispatching, StateAwaiting); err != nil {
		o.sm.Abort()
		return report, err
	}
	o.await(ctx, cyc, log)

	if err := o.sm.Transition(StateAwaiting, StateReporting); err != nil {
		o.sm.Abort()
		return report, err
	}

	o.mu.Lock()
	o.current = nil
	report.Completed, report.Failed, report.Fatal = cyc.completed, cyc.failed, cyc.fatal
	for tid := range cyc.outstanding {
		report.Outstanding = append(report.Outstanding, tid)
	}
	o.mu.Unlock()
	sort.Strings(report.Outstanding)

	switch {
	case report.Dispatched == 0 && report.DispatchErrors > 0:
		report.Status = store.CycleFailed
	case len(report.Outstanding) > 0 || report.DispatchErrors > 0 || report.Dispatched+report.DispatchErrors < len(tasks):
		report.Status = store.CyclePartial
	default:
		report.Status = store.CycleCompleted
	}

	if err := o.cfg.Health.Persist(); err != nil {
		log.Error("persist health", "error", err)
	}
	o.finish(report, start, log)

	if err := o.sm.Transition(StateReporting, StateIdle); err != nil {
		o.sm.Abort()
		return report, err
	}

	var errs []error
	if report.Fatal {
		errs = append(errs, fmt.Errorf("cycle %d: %w", id, backup.ErrRollbackFailed))
	}
	if dispatchErr != nil {
		errs = append(errs, fmt.Errorf("cycle %d: %d tasks not dispatched: %w", id, report.DispatchErrors, dispatchErr))
	}
	return report, errors.Join(errs...)
}

// scan discovers and filters this cycle's tasks.
func (o *Orchestrator) scan(ctx context.Context, report *CycleReport, log *slog.Logger) ([]store.TaskRequest, error) {
	found, err := o.cfg.Source.Discover(ctx)
	if err != nil {
		return nil, err
	}
	report.Discovered = len(found)

	seen := make(map[string]bool, len(found))
	var tasks []store.TaskRequest
	for _, t := range found {
		if seen[t.ID] {
			report.Skipped++
			continue
		}
		seen[t.ID] = true

		if o.isInFlight(t.ID) {
			report.Skipped++
			continue
		}
		if prev, err := o.cfg.Store.GetTask(t.ID); err == nil && settled(prev, t) {
			report.Skipped++
			continue
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("read task ledger", "task_id", t.ID, "error", err)
		}
		tasks = append(tasks, t)
	}
	log.Info("discovery finished", "discovered", report.Discovered, "new", len(tasks), "skipped", report.Skipped)
	return tasks, nil
}

// settled reports whether a stored task needs no further attempt: it
// already ran against the same file content, or it is a queue or plan entry
// that completed.
func settled(prev *store.TaskRequest, t store.TaskRequest) bool {
	sameContent := prev.Meta(store.MetaHash) == t.Meta(store.MetaHash)
	switch prev.Status {
	case store.StatusCompleted:
		return sameContent || t.Meta(store.MetaSource) != "scan"
	case store.StatusFailed:
		return sameContent
	}
	return false
}

// dispatch hands tasks to the bus in priority order. A task is in flight and
// stored as dispatched before it is published, so its result can never
// arrive ahead of the bookkeeping.
func (o *Orchestrator) dispatch(ctx context.Context, tasks []store.TaskRequest, report *CycleReport, log *slog.Logger) (*cycle, error) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
	})

	cyc := &cycle{outstanding: make(map[string]bool), done: make(chan struct{})}
	o.mu.Lock()
	o.current = cyc
	o.mu.Unlock()

	var firstErr error
	for _, t := range tasks {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				log.Info("dispatch interrupted", "remaining", len(tasks)-report.Dispatched-report.DispatchErrors)
				break
			}
		} else if ctx.Err() != nil {
			break
		}

		now := time.Now().UTC()
		t.Status = store.StatusDispatched
		t.UpdatedAt = now
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}

		o.mu.Lock()
		o.inFlight[t.ID] = true
		cyc.outstanding[t.ID] = true
		o.mu.Unlock()

		if err := o.cfg.Store.UpsertTask(t); err != nil {
			log.Error("store dispatched task", "task_id", t.ID, "error", err)
		}

		if err := o.cfg.Bus.AssignTask(ctx, t); err != nil {
			o.mu.Lock()
			delete(o.inFlight, t.ID)
			delete(cyc.outstanding, t.ID)
			o.mu.Unlock()

			t.Status = store.StatusPending
			if uerr := o.cfg.Store.UpsertTask(t); uerr != nil {
				log.Error("return task to pending", "task_id", t.ID, "error", uerr)
			}
			report.DispatchErrors++
			dispatchTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("dispatch failed", "task_id", t.ID, "error", err)
			continue
		}
		report.Dispatched++
		dispatchTotal.WithLabelValues("ok").Inc()
		log.Debug("task dispatched", "task_id", t.ID, "priority", t.Priority, "target", t.Target)
	}

	o.mu.Lock()
	if len(cyc.outstanding) == 0 {
		close(cyc.done)
	}
	o.mu.Unlock()
	return cyc, firstErr
}

// await blocks until every dispatched task reported, CycleTimeout elapsed,
// or ctx ended plus ShutdownTimeout.
func (o *Orchestrator) await(ctx context.Context, cyc *cycle, log *slog.Logger) {
	timeout := time.NewTimer(o.cfg.CycleTimeout)
	defer timeout.Stop()

	select {
	case <-cyc.done:
		return
	case <-timeout.C:
		log.Warn("cycle timed out waiting for results")
		return
	case <-ctx.Done():
	}

	log.Info("shutting down, waiting for running tasks", "timeout", o.cfg.ShutdownTimeout)
	grace := time.NewTimer(o.cfg.ShutdownTimeout)
	defer grace.Stop()
	select {
	case <-cyc.done:
	case <-grace.C:
		log.Warn("shutdown timeout reached with tasks outstanding")
	}
}

func (o *Orchestrator) finish(report *CycleReport, start time.Time, log *slog.Logger) {
	report.Duration = time.Since(start)
	err := o.cfg.Store.EndCycle(store.CycleRun{
		ID:         report.ID,
		Status:     report.Status,
		Discovered: report.Discovered,
		Dispatched: report.Dispatched,
		Completed:  report.Completed,
		Failed:     report.Failed,
	})
	if err != nil {
		log.Error("record cycle end", "error", err)
	}

	o.mu.Lock()
	o.last = report
	inFlightGauge.Set(float64(len(o.inFlight)))
	o.mu.Unlock()
	cyclesTotal.WithLabelValues(string(report.Status)).Inc()

	log.Info("cycle finished",
		"status", report.Status,
		"dispatched", report.Dispatched,
		"completed", report.Completed,
		"failed", report.Failed,
		"outstanding", len(report.Outstanding),
		"dispatch_errors", report.DispatchErrors,
		"duration", report.Duration.Round(time.Millisecond),
	)
}

func (o *Orchestrator) isInFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[id]
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev store.Event) error {
	switch ev.Type {
	case bus.TopicTaskStarted:
		return o.handleStarted(ctx, ev)
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		return o.handleResult(ctx, ev)
	}
	return nil
}

func (o *Orchestrator) handleStarted(_ context.Context, ev store.Event) error {
	task, err := bus.DecodeTask(ev)
	if err != nil {
		o.logger.Error("dropping undecodable event", "event_id", ev.ID, "error", err)
		return nil
	}
	if err := o.cfg.Store.UpdateTaskStatus(task.ID, store.StatusInProgress); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// handleResult records a result. A stale task goes back to pending so the
// next cycle retries it if the defect is still there. Only the AddResult failure is retried; it
// happens before any other mutation, so a redelivery never double-counts.
func (o *Orchestrator) handleResult(_ context.Context, ev store.Event) error {
	res, err := bus.DecodeResult(ev)
	if err != nil {
		o.logger.Error("dropping undecodable event", "event_id", ev.ID, "error", err)
		return nil
	}
	if err := o.cfg.Store.AddResult(res); err != nil {
		return err
	}

	status := store.StatusCompleted
	switch {
	case res.Stale:
		status = store.StatusPending
	case !res.Success:
		status = store.StatusFailed
	}
	if err := o.cfg.Store.UpdateTaskStatus(res.TaskID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("update task status", "task_id", res.TaskID, "error", err)
	}
	o.cfg.Health.Update(res)

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, res.TaskID)

	cyc := o.current
	if cyc == nil || !cyc.outstanding[res.TaskID] {
		return nil
	}
	delete(cyc.outstanding, res.TaskID)
	if res.Success {
		cyc.completed++
	} else {
		cyc.failed++
	}
	if res.Fatal {
		cyc.fatal = true
	}
	if len(cyc.outstanding) == 0 {
		close(cyc.done)
	}
	return nil
}
