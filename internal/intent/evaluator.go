// Package intent orchestrates auto-upgrade intents through two dispatch
// paths: a polling loop for cron-scheduled intents and an immediate path
// driven by scan results. An in-progress set guards against re-entrant
// execution of the same intent; every execution is isolated with its own
// error boundary so one slow or failing intent never blocks the rest.
package intent

import (
	"context"
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
	"github.com/harborwatch/harborwatch/internal/schedule"
	"github.com/harborwatch/harborwatch/internal/store"
)

// Trigger names the dispatch path that fired an intent.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerImmediate Trigger = "immediate"
)

// ExecResult is what the execution collaborator reports for one intent.
type ExecResult struct {
	ContainersMatched  int
	ContainersUpgraded int
	ContainersFailed   int
	ContainersSkipped  int
}

// Executor performs the actual match-and-upgrade work for one intent. The
// container-management side is an external collaborator; the evaluator only
// needs this signature.
type Executor interface {
	ExecuteIntent(ctx context.Context, in store.Intent, trigger Trigger) (ExecResult, error)
}

// Config holds evaluator settings.
type Config struct {
	PollInterval time.Duration // default 60s
	StartupDelay time.Duration // default 10s
	Logger       *slog.Logger
	Now          func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is a point-in-time view of the evaluator.
type Status struct {
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval_ns"`
	InProgress   []int64       `json:"in_progress"`
}

// Evaluator is the singleton intent orchestrator. Constructed once by the
// application root and started/stopped explicitly.
type Evaluator struct {
	cfg     Config
	store   store.IntentStore
	exec    Executor
	bus     *events.Bus
	metrics *metrics.Engine
	tracer  trace.Tracer

	mu         sync.Mutex
	inProgress map[int64]struct{}
	cancel     context.CancelFunc
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config, st store.IntentStore, exec Executor, bus *events.Bus, m *metrics.Engine) *Evaluator {
	return &Evaluator{
		cfg:        cfg.withDefaults(),
		store:      st,
		exec:       exec,
		bus:        bus,
		metrics:    m,
		tracer:     otel.Tracer("harborwatch/intent"),
		inProgress: make(map[int64]struct{}),
	}
}

// Start begins the polling loop after a short startup delay. Idempotent.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return nil
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)
	e.cfg.Logger.Info("intent: evaluator started",
		"poll_interval", e.cfg.PollInterval, "startup_delay", e.cfg.StartupDelay)
	return nil
}

// Stop halts the polling loop. Idempotent. In-flight executions finish on
// their own and fold back to idle.
func (e *Evaluator) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.cancel = nil
	e.cfg.Logger.Info("intent: evaluator stopped")
	return nil
}

// Snapshot implements batch.IntentControl.
func (e *Evaluator) Snapshot() any {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int64, 0, len(e.inProgress))
	for id := range e.inProgress {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return Status{
		Running:      e.cancel != nil,
		PollInterval: e.cfg.PollInterval,
		InProgress:   ids,
	}
}

// NotifyScanResult is the immediate dispatch path, invoked by the batch
// manager after a scan completes. It no-ops unless the scan found updates,
// and never blocks on intent execution.
func (e *Evaluator) NotifyScanResult(ctx context.Context, userID string, itemsUpdated int) {
	if itemsUpdated <= 0 {
		return
	}

	intents, err := e.store.ListEnabledIntents(ctx, userID, store.ScheduleImmediate)
	if err != nil {
		e.cfg.Logger.Error("intent: list immediate intents", "user", userID, "error", err)
		return
	}

	for _, in := range intents {
		e.dispatch(in, TriggerImmediate)
	}
}

// run is the ticker loop driving the scheduled path.
func (e *Evaluator) run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.StartupDelay):
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick evaluates every user's scheduled intents. Errors are isolated per
// user and per intent; the loop always reaches the next unit.
func (e *Evaluator) tick(ctx context.Context) {
	users, err := e.store.ListIntentUsers(ctx)
	if err != nil {
		e.cfg.Logger.Error("intent: list users", "error", err)
		return
	}

	now := e.cfg.Now()
	for _, userID := range users {
		intents, err := e.store.ListEnabledIntents(ctx, userID, store.ScheduleScheduled)
		if err != nil {
			e.cfg.Logger.Error("intent: list scheduled intents", "user", userID, "error", err)
			continue
		}

		for _, in := range intents {
			if e.isInProgress(in.ID) {
				continue
			}

			res := schedule.IsDue(in, now)
			if !res.Due {
				continue
			}
			if res.MissingMarker {
				e.cfg.Logger.Warn("intent: no evaluation marker, treating as due",
					"intent", in.ID, "user", userID)
			}

			// Persist the consumed boundary before dispatching so the same
			// boundary can never fire twice, even across a crash mid-run.
			if err := e.store.UpdateIntentLastEvaluated(ctx, in.ID, res.TriggerTime); err != nil {
				e.cfg.Logger.Error("intent: persist evaluation marker",
					"intent", in.ID, "error", err)
				continue
			}

			e.dispatch(in, TriggerScheduled)
		}
	}
}

// isInProgress reports whether the intent is currently mid-execution.
func (e *Evaluator) isInProgress(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inProgress[id]
	return ok
}

// dispatch runs one intent asynchronously, guarded by the in-progress set.
// The intent always returns to idle, whatever the outcome.
func (e *Evaluator) dispatch(in store.Intent, trigger Trigger) {
	e.mu.Lock()
	if _, ok := e.inProgress[in.ID]; ok {
		e.mu.Unlock()
		e.cfg.Logger.Debug("intent: already executing, skipping", "intent", in.ID)
		return
	}
	e.inProgress[in.ID] = struct{}{}
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inProgress, in.ID)
			e.mu.Unlock()
		}()

		// Detached context: an intent execution outlives the tick that
		// spawned it and survives evaluator shutdown.
		if err := e.execute(context.Background(), in, trigger); err != nil {
			e.cfg.Logger.Error("intent: execution failed",
				"intent", in.ID, "user", in.UserID, "trigger", string(trigger), "error", err)
		}
	}()
}

// execute records and runs one intent execution.
func (e *Evaluator) execute(ctx context.Context, in store.Intent, trigger Trigger) error {
	started := e.cfg.Now()

	ctx, span := e.tracer.Start(ctx, "intent.execute",
		trace.WithAttributes(
			attribute.Int64("intent.id", in.ID),
			attribute.String("user.id", in.UserID),
			attribute.String("intent.trigger", string(trigger)),
		),
	)
	defer span.End()

	run, err := e.store.CreateIntentRun(ctx, store.IntentRun{
		IntentID:  in.ID,
		UserID:    in.UserID,
		Trigger:   string(trigger),
		StartedAt: started,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("intent: create run record: %w", err)
	}

	e.publish(events.Event{
		Kind: events.KindIntentDispatched, UserID: in.UserID,
		IntentID: in.ID, Trigger: string(trigger),
	})

	result, execErr := e.exec.ExecuteIntent(ctx, in, trigger)
	completed := e.cfg.Now()

	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
		if err := e.store.FinishIntentRun(ctx, run.ID, store.IntentRunFailed, completed, store.IntentRunResult{
			ErrorMessage: execErr.Error(),
		}); err != nil {
			e.cfg.Logger.Error("intent: persist failed run", "run", run.ID, "error", err)
		}
		e.metrics.IntentDispatched(string(trigger), string(store.IntentRunFailed))
		e.publish(events.Event{
			Kind: events.KindIntentFailed, UserID: in.UserID,
			IntentID: in.ID, Trigger: string(trigger), Error: execErr.Error(),
		})
		return execErr
	}

	if err := e.store.FinishIntentRun(ctx, run.ID, store.IntentRunCompleted, completed, store.IntentRunResult{
		ContainersMatched:  result.ContainersMatched,
		ContainersUpgraded: result.ContainersUpgraded,
		ContainersFailed:   result.ContainersFailed,
		ContainersSkipped:  result.ContainersSkipped,
	}); err != nil {
		e.cfg.Logger.Error("intent: persist completed run", "run", run.ID, "error", err)
	}
	e.metrics.IntentDispatched(string(trigger), string(store.IntentRunCompleted))
	e.publish(events.Event{
		Kind: events.KindIntentCompleted, UserID: in.UserID,
		IntentID: in.ID, Trigger: string(trigger),
	})
	e.cfg.Logger.Info("intent: execution completed",
		"intent", in.ID, "user", in.UserID, "trigger", string(trigger),
		"matched", result.ContainersMatched, "upgraded", result.ContainersUpgraded)
	return nil
}

func (e *Evaluator) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
