// Package engine implements the autopilot execution engine: it schedules
// queued attempts under a per-project concurrency cap, drives each one
// through a pluggable runner, and derives all externally visible status
// from stored rows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/failure"
	"github.com/buildlane/autopilot/internal/logging"
	"github.com/buildlane/autopilot/internal/queue"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
)

// ErrNoActiveRun is returned by StopRun when nothing is running
var ErrNoActiveRun = errors.New("no active run")

// Event describes a status transition, for SSE broadcast and similar
// read-only observers
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// WorkPlanner turns a work item into a concrete runner request
type WorkPlanner interface {
	PlanWork(item domain.WorkItem) (runner.Request, error)
}

// Options configures a new Engine
type Options struct {
	Store   *store.Store
	Runner  runner.Runner
	Tasks   TaskSource
	AI      AIStatus
	Repo    RepoStatus
	Planner WorkPlanner

	// Limits is the base per-project concurrency source; nil means a
	// fixed limit of 1
	Limits queue.Limits

	// AttemptTimeout resolves the per-attempt deadline; nil means 2m
	AttemptTimeout func() time.Duration

	// Events receives status transitions; may be nil
	Events func(Event)
}

// Engine is the autopilot facade. Run starts are fire-and-forget: the
// caller gets a run id immediately and polls the derived status.
type Engine struct {
	store   *store.Store
	sched   *queue.Scheduler
	exec    *Executor
	runs    *RunManager
	tasks   TaskSource
	ai      AIStatus
	repo    RepoStatus
	planner WorkPlanner
	limits  *overrideLimits
	timeout func() time.Duration
	events  func(Event)
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Advisory only: the authoritative scheduling state lives in the
	// attempt and run rows
	stopMu    sync.Mutex
	stopFlags map[string]string

	attemptsStarted  metric.Int64Counter
	attemptsFinished metric.Int64Counter
}

// New creates an Engine. Call Close to stop background dispatch.
func New(opts Options) *Engine {
	limits := newOverrideLimits(opts.Limits)
	timeout := opts.AttemptTimeout
	if timeout == nil {
		timeout = func() time.Duration { return 2 * time.Minute }
	}

	ctx, cancel := context.WithCancel(context.Background())
	started, _ := logging.Counter("autopilot_attempts_started_total", "Attempts promoted to running")
	finished, _ := logging.Counter("autopilot_attempts_finished_total", "Attempts reaching a terminal status")

	return &Engine{
		store:            opts.Store,
		sched:            queue.New(opts.Store, limits),
		exec:             NewExecutor(opts.Store, opts.Runner),
		runs:             NewRunManager(opts.Store),
		tasks:            opts.Tasks,
		ai:               opts.AI,
		repo:             opts.Repo,
		planner:          opts.Planner,
		limits:           limits,
		timeout:          timeout,
		events:           opts.Events,
		log:              logging.Logger(),
		ctx:              ctx,
		cancel:           cancel,
		stopFlags:        make(map[string]string),
		attemptsStarted:  started,
		attemptsFinished: finished,
	}
}

// Runs exposes run queries (history, details, counts)
func (e *Engine) Runs() *RunManager {
	return e.runs
}

// Scheduler exposes queue queries (slots, positions)
func (e *Engine) Scheduler() *queue.Scheduler {
	return e.sched
}

// Store exposes read access for log and artifact queries
func (e *Engine) Store() *store.Store {
	return e.store
}

// Close stops background dispatch and waits for in-flight attempts
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// StartRun begins a new run over the project's eligible tasks. When any
// readiness blocker applies, no run is created and the blockers are
// returned instead.
func (e *Engine) StartRun(projectID string) (*domain.Run, []Blocker, error) {
	readiness, err := e.CheckReadiness(projectID)
	if err != nil {
		return nil, nil, err
	}
	if !readiness.Ready {
		return nil, readiness.Blockers, nil
	}

	taskIDs, err := e.tasks.EligibleTaskIDs(projectID)
	if err != nil {
		return nil, nil, err
	}
	run, err := e.startRunWithTasks(projectID, taskIDs, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, nil, nil
}

// startRunWithTasks creates a run, enqueues one attempt per task and
// kicks off background dispatch. overrideParallel > 0 pins the project's
// concurrency for the life of the run.
func (e *Engine) startRunWithTasks(projectID string, taskIDs []string, overrideParallel int) (*domain.Run, error) {
	run, err := e.runs.CreateRun(projectID)
	if err != nil {
		return nil, err
	}

	e.clearStop(projectID)
	if overrideParallel > 0 {
		e.limits.setOverride(projectID, overrideParallel)
	} else {
		e.limits.clearOverride(projectID)
	}

	for _, taskID := range taskIDs {
		attempt, err := e.sched.Enqueue(domain.WorkItem{ProjectID: projectID, TaskID: taskID})
		if err != nil {
			return nil, fmt.Errorf("enqueuing task %s: %w", taskID, err)
		}
		if err := e.runs.LinkAttemptToRun(attempt.ID, run.ID); err != nil {
			return nil, fmt.Errorf("linking attempt %s: %w", attempt.ID, err)
		}
	}

	e.emit(Event{Type: "run_started", ProjectID: projectID, RunID: run.ID})
	e.log.Info("run started", "project_id", projectID, "run_id", run.ID, "tasks", len(taskIDs))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(projectID, run.ID)
	}()
	return run, nil
}

// dispatch claims and executes queued attempts until the queue drains,
// the stop flag is set, or the slot race is lost. Every attempt
// completion re-invokes dispatch, so a freed slot is always refilled.
func (e *Engine) dispatch(projectID, runID string) {
	for {
		if e.ctx.Err() != nil {
			return
		}
		if e.stopRequested(projectID) {
			e.finalizeCancelled(projectID, runID)
			return
		}

		attempt, ok, err := e.sched.TryStartNext(projectID)
		if err != nil {
			e.log.Error("claiming next attempt", "project_id", projectID, "error", err)
			return
		}
		if !ok {
			// Lost the race or nothing left; a completion event will
			// re-trigger us if work remains
			e.maybeFinishRun(projectID, runID)
			return
		}

		e.attemptsStarted.Add(e.ctx, 1)
		e.emit(Event{Type: "attempt_started", ProjectID: projectID, RunID: runID, AttemptID: attempt.ID, Status: string(domain.AttemptRunning)})

		e.wg.Add(1)
		go func(a *domain.Attempt) {
			defer e.wg.Done()
			e.runAttempt(a)
			e.dispatch(projectID, runID)
		}(attempt)
	}
}

func (e *Engine) runAttempt(a *domain.Attempt) {
	req, err := e.planner.PlanWork(domain.WorkItem{ProjectID: a.ProjectID, TaskID: a.TaskID})
	if err != nil {
		e.exec.persistFailure(a.ID, -1, failure.Normalize(err).Message)
	} else if _, err := e.exec.ExecuteAttempt(e.ctx, a.ID, req, e.timeout()); err != nil {
		e.log.Error("executing attempt", "attempt_id", a.ID, "error", err)
	}

	e.attemptsFinished.Add(e.ctx, 1)
	if final, err := e.store.GetAttempt(a.ID); err == nil {
		e.emit(Event{Type: "attempt_finished", ProjectID: a.ProjectID, RunID: a.RunID, AttemptID: a.ID, Status: string(final.Status)})
	}
}

// maybeFinishRun finalizes the run once no work remains. The run-table
// status is completed even when attempts failed; the derived status
// reports FAILED from the attempt rows. Duplicate finalizers lose the
// store's exactly-once guard and back off silently.
func (e *Engine) maybeFinishRun(projectID, runID string) {
	running, err := e.store.CountRunningAttempts(projectID)
	if err != nil {
		return
	}
	queued, err := e.store.CountQueuedAttempts(projectID)
	if err != nil {
		return
	}
	if running > 0 || queued > 0 {
		return
	}

	err = e.runs.FinishRun(runID, domain.RunCompleted, nil)
	if errors.Is(err, store.ErrRunFinished) {
		return
	}
	if err != nil {
		e.log.Error("finishing run", "run_id", runID, "error", err)
		return
	}
	e.limits.clearOverride(projectID)
	e.emit(Event{Type: "run_finished", ProjectID: projectID, RunID: runID, Status: string(domain.RunCompleted)})
	e.log.Info("run finished", "project_id", projectID, "run_id", runID)
}

// finalizeCancelled writes the cancelled terminal status once nothing is
// in flight. The run_finished event is emitted only when this caller won
// the exactly-once finish; a run that completed concurrently keeps its
// completed status and emits nothing here.
func (e *Engine) finalizeCancelled(projectID, runID string) {
	e.store.StopQueuedAttempts(projectID)

	running, err := e.store.CountRunningAttempts(projectID)
	if err != nil || running > 0 {
		// In-flight attempts finish normally; the last one re-enters here
		return
	}

	reason, _ := e.stopReason(projectID)
	if reason == "" {
		reason = "stopped by user"
	}
	cause := failure.New(failure.CodeCancelled, reason)
	err = e.runs.FinishRun(runID, domain.RunCancelled, cause)
	if errors.Is(err, store.ErrRunFinished) {
		e.clearStop(projectID)
		return
	}
	if err != nil {
		e.log.Error("cancelling run", "run_id", runID, "error", err)
		return
	}
	e.clearStop(projectID)
	e.limits.clearOverride(projectID)
	e.emit(Event{Type: "run_finished", ProjectID: projectID, RunID: runID, Status: string(domain.RunCancelled)})
	e.log.Info("run cancelled", "project_id", projectID, "run_id", runID)
}

// StopRun requests cooperative cancellation of the project's active run.
// In-flight attempts are not killed; queued ones never start.
func (e *Engine) StopRun(projectID, reason string) error {
	latest, err := e.store.GetLatestRun(projectID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Status != domain.RunRunning {
		return ErrNoActiveRun
	}

	e.setStop(projectID, reason)
	if _, err := e.store.StopQueuedAttempts(projectID); err != nil {
		return err
	}

	running, err := e.store.CountRunningAttempts(projectID)
	if err != nil {
		return err
	}
	if running == 0 {
		e.finalizeCancelled(projectID, latest.ID)
	}
	return nil
}

// RetryRun starts a new run over the failed tasks of the project's
// latest terminal run
func (e *Engine) RetryRun(projectID string) (*domain.Run, error) {
	latest, err := e.store.GetLatestRun(projectID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoActiveRun
	}
	if latest.Status == domain.RunRunning {
		return nil, fmt.Errorf("run %s is still running", latest.ID)
	}

	run, _, err := e.Rerun(latest.ID, RerunFailed, nil, 0)
	return run, err
}

// Rerun starts a new run over a subset of a prior run's tasks. A
// positive maxParallel is clamped into [1, 20] and pinned for the run;
// zero keeps the configured limit. An empty filtered set yields
// ErrNoTasksToRerun.
func (e *Engine) Rerun(runID string, mode RerunMode, selectedTaskIDs []string, maxParallel int) (*domain.Run, int, error) {
	source, err := e.runs.GetRun(runID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading source run: %w", err)
	}

	taskIDs, err := e.runs.BuildRerunTaskIDs(runID, mode, selectedTaskIDs)
	if err != nil {
		return nil, 0, err
	}
	if len(taskIDs) == 0 {
		return nil, 0, ErrNoTasksToRerun
	}

	status, err := e.ProjectStatus(source.ProjectID)
	if err != nil {
		return nil, 0, err
	}
	if status == domain.StatusRunning {
		return nil, 0, fmt.Errorf("autopilot is already running for project %s", source.ProjectID)
	}

	override := 0
	if maxParallel > 0 {
		override = clampParallel(maxParallel)
	}
	run, err := e.startRunWithTasks(source.ProjectID, taskIDs, override)
	if err != nil {
		return nil, 0, err
	}
	return run, len(taskIDs), nil
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

func (e *Engine) setStop(projectID, reason string) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	e.stopFlags[projectID] = reason
}

func (e *Engine) clearStop(projectID string) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	delete(e.stopFlags, projectID)
}

func (e *Engine) stopRequested(projectID string) bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	_, ok := e.stopFlags[projectID]
	return ok
}

func (e *Engine) stopReason(projectID string) (string, bool) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	reason, ok := e.stopFlags[projectID]
	return reason, ok
}

// overrideLimits layers per-run parallelism overrides over the base
// config-driven limits
type overrideLimits struct {
	base queue.Limits

	mu        sync.RWMutex
	overrides map[string]int
}

func newOverrideLimits(base queue.Limits) *overrideLimits {
	if base == nil {
		base = queue.StaticLimits(1)
	}
	return &overrideLimits{base: base, overrides: make(map[string]int)}
}

func (l *overrideLimits) MaxParallel(projectID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n, ok := l.overrides[projectID]; ok {
		return n
	}
	return l.base.MaxParallel(projectID)
}

func (l *overrideLimits) setOverride(projectID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[projectID] = n
}

func (l *overrideLimits) clearOverride(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.overrides, projectID)
}
