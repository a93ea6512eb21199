// Package batch owns job-handler registration, per-(user, job type)
// execution locking, and run bookkeeping. It is the engine's front door:
// the scheduler, the intent evaluator, and the HTTP gateway all execute
// work through the Manager.
//
// Locking is dual: the persisted run record in status "running" is the
// durable lock and the source of truth; an in-memory map is the same-process
// fast path. Both are taken and released together under one mutex, and the
// store is swept for stale locks on startup, so a crash can never wedge a
// pair forever.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/metrics"
	"github.com/harborwatch/harborwatch/internal/store"
)

// SchedulerControl is the manager's view of the interval scheduler.
type SchedulerControl interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() any

	// UpdateLastRun is called only on confirmed success, never before.
	UpdateLastRun(userID, jobType string, completedAt time.Time)

	// MarkFailure makes the pair due again after a short cooldown instead
	// of waiting out the full interval.
	MarkFailure(userID, jobType string, now time.Time)
}

// IntentControl is the manager's view of the intent evaluator.
type IntentControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() any

	// NotifyScanResult drives the immediate dispatch path after a scan that
	// detected updates. It must not block on intent execution.
	NotifyScanResult(ctx context.Context, userID string, itemsUpdated int)
}

// runKey identifies one lockable unit of work.
type runKey struct {
	userID  string
	jobType string
}

// RunningPair is one currently-executing (user, job type) pair.
type RunningPair struct {
	UserID  string `json:"user_id"`
	JobType string `json:"job_type"`
	RunID   int64  `json:"run_id"`
}

// Status is a point-in-time view of the manager and its pollers.
type Status struct {
	JobTypes  []string      `json:"job_types"`
	Running   []RunningPair `json:"running"`
	Scheduler any           `json:"scheduler,omitempty"`
	Intents   any           `json:"intents,omitempty"`
}

// Config holds the manager's collaborators.
type Config struct {
	Store   store.Store
	Bus     *events.Bus     // optional
	Metrics *metrics.Engine // optional
	Logger  *slog.Logger
	Now     func() time.Time // injectable for testing
}

// Manager implements registration, locking, and execution bookkeeping.
type Manager struct {
	store   store.Store
	bus     *events.Bus
	metrics *metrics.Engine
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	hmu      sync.RWMutex
	handlers map[string]Handler

	// mu guards running and orders in-memory and persisted lock state:
	// both are acquired together and released together.
	mu      sync.Mutex
	running map[runKey]int64 // value is the holding run's id

	sched   SchedulerControl
	intents IntentControl
	started bool
}

// NewManager creates a Manager. Attach must be called before Start.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		tracer:   otel.Tracer("harborwatch/batch"),
		handlers: make(map[string]Handler),
		running:  make(map[runKey]int64),
	}
}

// Attach wires the two pollers. Separate from NewManager because the
// scheduler and evaluator are constructed with a reference back to the
// manager.
func (m *Manager) Attach(sched SchedulerControl, intents IntentControl) {
	m.sched = sched
	m.intents = intents
}

// RegisterHandler stores a handler keyed by its job type. Registering the
// same job type twice is an error.
func (m *Manager) RegisterHandler(h Handler) error {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	jt := h.JobType()
	if _, exists := m.handlers[jt]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, jt)
	}
	m.handlers[jt] = h
	m.logger.Debug("batch: handler registered", "job", jt, "name", h.DisplayName())
	return nil
}

// Handler returns the registered handler for a job type.
func (m *Manager) Handler(jobType string) (Handler, bool) {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	h, ok := m.handlers[jobType]
	return h, ok
}

// JobTypes returns the registered job types, sorted.
func (m *Manager) JobTypes() []string {
	m.hmu.RLock()
	defer m.hmu.RUnlock()

	out := make([]string, 0, len(m.handlers))
	for jt := range m.handlers {
		out = append(out, jt)
	}
	sort.Strings(out)
	return out
}

// Start sweeps stale state from a previous process lifetime and starts both
// pollers. With no registered handlers it logs a warning and does nothing.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.JobTypes()) == 0 {
		m.logger.Warn("batch: no handlers registered, engine not started")
		return nil
	}
	if m.sched == nil || m.intents == nil {
		return ErrNotAttached
	}

	// Crash recovery: release locks held by a process that no longer
	// exists, before any polling begins.
	now := m.now()
	swept, err := m.store.SweepStaleRuns(ctx, now, "aborted: process restart")
	if err != nil {
		return fmt.Errorf("batch: sweep stale runs: %w", err)
	}
	if swept > 0 {
		m.logger.Warn("batch: swept stale runs from previous process", "count", swept)
	}
	sweptIntents, err := m.store.SweepStaleIntentRuns(ctx, now, "aborted: process restart")
	if err != nil {
		return fmt.Errorf("batch: sweep stale intent runs: %w", err)
	}
	if sweptIntents > 0 {
		m.logger.Warn("batch: swept stale intent runs from previous process", "count", sweptIntents)
	}

	if err := m.sched.Initialize(ctx); err != nil {
		return fmt.Errorf("batch: initialize scheduler: %w", err)
	}
	if err := m.sched.Start(ctx); err != nil {
		return fmt.Errorf("batch: start scheduler: %w", err)
	}
	if err := m.intents.Start(ctx); err != nil {
		_ = m.sched.Stop(ctx)
		return fmt.Errorf("batch: start intent evaluator: %w", err)
	}

	m.started = true
	m.logger.Info("batch: engine started", "handlers", len(m.JobTypes()))
	return nil
}

// Stop stops both pollers. In-flight executions run to completion.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started {
		return nil
	}
	m.started = false

	var errs []error
	if err := m.intents.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("batch: engine stopped")
	return errors.Join(errs...)
}

// Running reports whether the pair is currently executing in this process.
func (m *Manager) Running(userID, jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[runKey{userID, jobType}]
	return ok
}

// Status returns registered job types, currently-running pairs, and each
// poller's snapshot.
func (m *Manager) Status() Status {
	st := Status{JobTypes: m.JobTypes()}

	m.mu.Lock()
	for key, id := range m.running {
		st.Running = append(st.Running, RunningPair{UserID: key.userID, JobType: key.jobType, RunID: id})
	}
	m.mu.Unlock()

	sort.Slice(st.Running, func(i, j int) bool {
		if st.Running[i].UserID != st.Running[j].UserID {
			return st.Running[i].UserID < st.Running[j].UserID
		}
		return st.Running[i].JobType < st.Running[j].JobType
	})

	if m.sched != nil {
		st.Scheduler = m.sched.Snapshot()
	}
	if m.intents != nil {
		st.Intents = m.intents.Snapshot()
	}
	return st
}

// ExecuteJob runs one job synchronously: acquire the lock, execute the
// handler, record the outcome, release the lock. It returns the terminal
// run record, or the handler's error after the failure has been recorded.
//
// A pair already executing fails fast with a *store.ConflictError carrying
// the in-flight run id.
func (m *Manager) ExecuteJob(ctx context.Context, userID, jobType string, manual bool) (*store.BatchRun, error) {
	run, h, err := m.begin(ctx, userID, jobType, manual)
	if err != nil {
		return nil, err
	}
	return m.finish(ctx, run, h)
}

// TriggerJob is the manual "run now" entry point. Lock acquisition is
// synchronous so the caller gets an immediate accept/reject; the execution
// itself completes in the background.
func (m *Manager) TriggerJob(ctx context.Context, userID, jobType string) (*store.BatchRun, error) {
	run, h, err := m.begin(ctx, userID, jobType, true)
	if err != nil {
		return nil, err
	}

	go func() {
		// Detached from the request context: the run outlives the HTTP call.
		if _, err := m.finish(context.Background(), run, h); err != nil {
			m.logger.Error("batch: manual run failed",
				"user", userID, "job", jobType, "run", run.ID, "error", err)
		}
	}()
	return run, nil
}

// begin acquires both halves of the lock and creates the running record.
// The in-memory check and the persisted acquire happen under one mutex, so
// the two can never disagree within this process.
func (m *Manager) begin(ctx context.Context, userID, jobType string, manual bool) (*store.BatchRun, Handler, error) {
	h, ok := m.Handler(jobType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	key := runKey{userID, jobType}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.running[key]; ok {
		m.metrics.LockConflict(jobType)
		return nil, nil, &store.ConflictError{UserID: userID, JobType: jobType, RunID: id}
	}

	run, err := m.store.AcquireRun(ctx, userID, jobType, manual, m.now())
	if err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			m.metrics.LockConflict(jobType)
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("batch: acquire lock: %w", err)
	}

	m.running[key] = run.ID
	m.metrics.RunStarted()
	m.publish(events.Event{
		Kind: events.KindRunStarted, UserID: userID, JobType: jobType, RunID: run.ID,
	})
	return run, h, nil
}

// finish executes the handler and records the terminal outcome. The
// in-memory flag is cleared after the persisted record is updated, matching
// the lock's acquire order.
func (m *Manager) finish(ctx context.Context, run *store.BatchRun, h Handler) (*store.BatchRun, error) {
	key := runKey{run.UserID, run.JobType}
	started := m.now()

	ctx, span := m.tracer.Start(ctx, "batch.execute",
		trace.WithAttributes(
			attribute.String("job.type", run.JobType),
			attribute.String("user.id", run.UserID),
			attribute.Int64("run.id", run.ID),
			attribute.Bool("run.manual", run.Manual),
		),
	)
	defer span.End()

	logger, transcript := newRunLogger(run.UserID, run.JobType, run.ID)
	m.logger.Debug("batch: run started", "user", run.UserID, "job", run.JobType, "run", run.ID, "manual", run.Manual)

	result, execErr := h.Execute(ctx, Job{UserID: run.UserID, RunID: run.ID, Logger: logger})
	completed := m.now()

	// The terminal write releases the durable lock. It must land even when
	// the caller's context died with the handler, or the row stays in
	// status "running" until the next startup sweep.
	storeCtx := context.WithoutCancel(ctx)

	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())

		// A failed audit write must not block lock release or change the
		// caller's view of the outcome.
		if err := m.store.FailRun(storeCtx, run.ID, completed, execErr.Error(), transcript.String()); err != nil {
			m.logger.Error("batch: persist failed run", "run", run.ID, "error", err)
		}
		m.clearRunning(key)

		if m.sched != nil {
			m.sched.MarkFailure(run.UserID, run.JobType, completed)
		}
		m.metrics.RunFinished(run.JobType, string(store.RunFailed), completed.Sub(started))
		m.publish(events.Event{
			Kind: events.KindRunFailed, UserID: run.UserID, JobType: run.JobType,
			RunID: run.ID, Error: execErr.Error(),
		})

		run.Status = store.RunFailed
		run.CompletedAt = completed
		run.ErrorMessage = execErr.Error()
		return run, fmt.Errorf("batch: job %q failed for user %q: %w", run.JobType, run.UserID, execErr)
	}

	if err := m.store.CompleteRun(storeCtx, run.ID, completed, result.ItemsChecked, result.ItemsUpdated, transcript.String()); err != nil {
		m.logger.Error("batch: persist completed run", "run", run.ID, "error", err)
	}
	m.clearRunning(key)

	if m.sched != nil {
		m.sched.UpdateLastRun(run.UserID, run.JobType, completed)
	}
	m.metrics.RunFinished(run.JobType, string(store.RunCompleted), completed.Sub(started))
	m.publish(events.Event{
		Kind: events.KindRunCompleted, UserID: run.UserID, JobType: run.JobType,
		RunID: run.ID, ItemsChecked: result.ItemsChecked, ItemsUpdated: result.ItemsUpdated,
	})
	m.logger.Info("batch: run completed",
		"user", run.UserID, "job", run.JobType, "run", run.ID,
		"checked", result.ItemsChecked, "updated", result.ItemsUpdated)

	// A scan that found updates drives the immediate intent path. Failures
	// there are the evaluator's to log, never this caller's.
	if result.ItemsUpdated > 0 && m.intents != nil {
		m.intents.NotifyScanResult(ctx, run.UserID, result.ItemsUpdated)
	}

	run.Status = store.RunCompleted
	run.CompletedAt = completed
	run.ItemsChecked = result.ItemsChecked
	run.ItemsUpdated = result.ItemsUpdated
	return run, nil
}

func (m *Manager) clearRunning(key runKey) {
	m.mu.Lock()
	delete(m.running, key)
	m.mu.Unlock()
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
