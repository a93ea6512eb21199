// Package scheduler polls interval-based job configurations and dispatches
// due (user, job type) pairs for execution.
//
// Due-ness uses wall-clock deltas against a last-successful-run cache, not
// fixed alarms: a delayed tick still identifies overdue pairs on the next
// tick, so no work is silently skipped. The cache is advanced only by the
// manager on confirmed success; a failed run instead shifts the pair's
// effective last-run time so it becomes due again after a short cooldown.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harborwatch/harborwatch/internal/metrics"
	"github.com/harborwatch/harborwatch/internal/store"
)

// Sentinel errors for scheduler lifecycle operations.
var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
)

// Executor runs one job to completion. Implemented by batch.Manager.
type Executor interface {
	ExecuteJob(ctx context.Context, userID, jobType string, manual bool) (*store.BatchRun, error)
	Running(userID, jobType string) bool
}

// pairKey identifies one (user, job type) pair.
type pairKey struct {
	userID  string
	jobType string
}

// Config holds scheduler settings.
type Config struct {
	PollInterval    time.Duration // default 30s
	FailureCooldown time.Duration // default 1m
	Logger          *slog.Logger
	Now             func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval_ns"`
	TrackedPairs int           `json:"tracked_pairs"`
	LastTick     time.Time     `json:"last_tick,omitempty"`
}

// Scheduler is the interval-based due-ness poller.
type Scheduler struct {
	cfg     Config
	configs store.ConfigStore
	runs    store.RunStore
	exec    Executor
	metrics *metrics.Engine

	mu        sync.Mutex
	lastRun   map[pairKey]time.Time     // zero value absent = never run
	intervals map[pairKey]time.Duration // last seen interval per pair
	pending   map[pairKey]struct{}      // dispatched but not yet acquired
	lastTick  time.Time
	cancel    context.CancelFunc
}

// New creates a Scheduler. Initialize must run before Start.
func New(cfg Config, configs store.ConfigStore, runs store.RunStore, exec Executor, m *metrics.Engine) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		configs:   configs,
		runs:      runs,
		exec:      exec,
		metrics:   m,
		lastRun:   make(map[pairKey]time.Time),
		intervals: make(map[pairKey]time.Duration),
		pending:   make(map[pairKey]struct{}),
	}
}

// Initialize seeds the last-run cache from the most recent completed run of
// every configured pair, so due-ness survives restarts without re-running
// everything immediately.
func (s *Scheduler) Initialize(ctx context.Context) error {
	configs, err := s.configs.ListBatchConfigs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cfg := range configs {
		key := pairKey{cfg.UserID, cfg.JobType}
		s.intervals[key] = time.Duration(cfg.IntervalMinutes) * time.Minute

		run, err := s.runs.LatestCompletedRun(ctx, cfg.UserID, cfg.JobType)
		if errors.Is(err, store.ErrRunNotFound) {
			continue // never run; stays due immediately
		}
		if err != nil {
			return err
		}
		s.lastRun[key] = run.CompletedAt
	}

	s.cfg.Logger.Debug("scheduler: initialized", "pairs", len(configs))
	return nil
}

// Start begins the polling loop. Returns ErrAlreadyStarted if called twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	s.cfg.Logger.Info("scheduler: started", "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop halts the polling loop. In-flight dispatches run to completion.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return ErrNotStarted
	}
	s.cancel()
	s.cancel = nil
	s.cfg.Logger.Info("scheduler: stopped")
	return nil
}

// Snapshot implements batch.SchedulerControl.
func (s *Scheduler) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:      s.cancel != nil,
		PollInterval: s.cfg.PollInterval,
		TrackedPairs: len(s.lastRun),
		LastTick:     s.lastTick,
	}
}

// UpdateLastRun advances the pair's last-successful-run time. Called by the
// manager on confirmed success only.
func (s *Scheduler) UpdateLastRun(userID, jobType string, completedAt time.Time) {
	s.mu.Lock()
	s.lastRun[pairKey{userID, jobType}] = completedAt
	s.mu.Unlock()
}

// MarkFailure sets the pair's effective last-run time to
// now - interval + cooldown, so the failed job becomes due again soon
// without a separate retry subsystem.
func (s *Scheduler) MarkFailure(userID, jobType string, now time.Time) {
	key := pairKey{userID, jobType}

	s.mu.Lock()
	defer s.mu.Unlock()

	interval, ok := s.intervals[key]
	if !ok {
		// Unconfigured pair (manual run of an unscheduled job); nothing to retry.
		return
	}
	s.lastRun[key] = now.Add(-interval + s.cfg.FailureCooldown)
}

// run is the ticker loop.
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick inspects every enabled pair and dispatches the due ones. Dispatches
// are fire-and-forget: a slow job never blocks the loop.
func (s *Scheduler) tick(ctx context.Context) {
	s.metrics.SchedulerTick()
	now := s.cfg.Now()

	configs, err := s.configs.ListBatchConfigs(ctx)
	if err != nil {
		s.cfg.Logger.Error("scheduler: list configs", "error", err)
		return
	}

	s.mu.Lock()
	s.lastTick = now
	var due []pairKey
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.IntervalMinutes < 1 {
			continue
		}
		key := pairKey{cfg.UserID, cfg.JobType}
		interval := time.Duration(cfg.IntervalMinutes) * time.Minute
		s.intervals[key] = interval

		if _, dispatching := s.pending[key]; dispatching {
			continue
		}

		last, ran := s.lastRun[key]
		if ran && now.Sub(last) < interval {
			continue
		}
		due = append(due, key)
		s.pending[key] = struct{}{}
	}
	s.mu.Unlock()

	for _, key := range due {
		if s.exec.Running(key.userID, key.jobType) {
			s.clearPending(key)
			continue
		}
		// Detached from the polling context: Stop halts the loop, never a
		// run already dispatched.
		go s.dispatch(context.WithoutCancel(ctx), key)
	}
}

// dispatch runs one pair and logs the asynchronous outcome. Failures are
// isolated: they are recorded on the run and logged, never propagated.
func (s *Scheduler) dispatch(ctx context.Context, key pairKey) {
	defer s.clearPending(key)

	_, err := s.exec.ExecuteJob(ctx, key.userID, key.jobType, false)
	switch {
	case err == nil:
		s.cfg.Logger.Debug("scheduler: run dispatched", "user", key.userID, "job", key.jobType)
	case errors.Is(err, store.ErrRunInProgress):
		// Lost a race with a manual trigger; not an application error.
		s.cfg.Logger.Debug("scheduler: pair already running", "user", key.userID, "job", key.jobType)
	default:
		s.cfg.Logger.Error("scheduler: run failed", "user", key.userID, "job", key.jobType, "error", err)
	}
}

func (s *Scheduler) clearPending(key pairKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}
