package intent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harborwatch/harborwatch/internal/store"
)

// fakeIntentStore is an in-memory store.IntentStore.
type fakeIntentStore struct {
	mu      sync.Mutex
	intents map[int64]store.Intent
	runs    map[int64]store.IntentRun
	nextRun int64
}

func newFakeIntentStore(intents ...store.Intent) *fakeIntentStore {
	f := &fakeIntentStore{
		intents: make(map[int64]store.Intent),
		runs:    make(map[int64]store.IntentRun),
	}
	for _, in := range intents {
		f.intents[in.ID] = in
	}
	return f
}

func (f *fakeIntentStore) CreateIntent(_ context.Context, in store.Intent) (*store.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[in.ID] = in
	return &in, nil
}

func (f *fakeIntentStore) GetIntent(_ context.Context, id int64) (*store.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return nil, store.ErrIntentNotFound
	}
	return &in, nil
}

func (f *fakeIntentStore) ListIntentUsers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var users []string
	for _, in := range f.intents {
		if in.Enabled && !seen[in.UserID] {
			seen[in.UserID] = true
			users = append(users, in.UserID)
		}
	}
	return users, nil
}

func (f *fakeIntentStore) ListEnabledIntents(_ context.Context, userID string, t store.ScheduleType) ([]store.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Intent
	for _, in := range f.intents {
		if in.UserID == userID && in.Enabled && in.ScheduleType == t {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeIntentStore) UpdateIntentLastEvaluated(_ context.Context, id int64, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return store.ErrIntentNotFound
	}
	in.LastEvaluatedAt = t
	f.intents[id] = in
	return nil
}

func (f *fakeIntentStore) CreateIntentRun(_ context.Context, run store.IntentRun) (*store.IntentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	run.ID = f.nextRun
	run.Status = store.IntentRunRunning
	f.runs[run.ID] = run
	return &run, nil
}

func (f *fakeIntentStore) FinishIntentRun(_ context.Context, id int64, status store.IntentRunStatus, completedAt time.Time, result store.IntentRunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return store.ErrRunNotFound
	}
	run.Status = status
	run.CompletedAt = completedAt
	run.ErrorMessage = result.ErrorMessage
	run.ContainersUpgraded = result.ContainersUpgraded
	f.runs[id] = run
	return nil
}

func (f *fakeIntentStore) SweepStaleIntentRuns(context.Context, time.Time, string) (int, error) {
	return 0, nil
}

func (f *fakeIntentStore) lastEvaluated(id int64) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intents[id].LastEvaluatedAt
}

func (f *fakeIntentStore) runStatuses() []store.IntentRunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.IntentRunStatus
	for i := int64(1); i <= f.nextRun; i++ {
		out = append(out, f.runs[i].Status)
	}
	return out
}

// fakeExecutor records executions and simulates outcomes per intent id.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []int64
	block   chan struct{} // when set, executions wait here
	failIDs map[int64]error
}

func (f *fakeExecutor) ExecuteIntent(_ context.Context, in store.Intent, _ Trigger) (ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in.ID)
	block := f.block
	failErr := f.failIDs[in.ID]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if failErr != nil {
		return ExecResult{}, failErr
	}
	return ExecResult{ContainersMatched: 2, ContainersUpgraded: 1}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.callCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d executions, got %d", n, f.callCount())
}

// waitIdle waits for the in-progress set to drain.
func waitIdle(t *testing.T, e *Evaluator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.inProgress)
		e.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for executions to settle")
}

func newTestEvaluator(st store.IntentStore, exec Executor, now func() time.Time) *Evaluator {
	return NewEvaluator(Config{Logger: slog.Default(), Now: now}, st, exec, nil, nil)
}

func TestTick_DispatchesDueIntent(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	st := newFakeIntentStore(store.Intent{
		ID: 1, UserID: "alice", Enabled: true,
		ScheduleType: store.ScheduleScheduled, ScheduleCron: "0 * * * *",
		LastEvaluatedAt: last,
	})
	exec := &fakeExecutor{}
	e := newTestEvaluator(st, exec, func() time.Time { return now })

	e.tick(context.Background())
	exec.waitCalls(t, 1)
	waitIdle(t, e)

	// The consumed boundary, not the wall clock, is persisted.
	if got := st.lastEvaluated(1); !got.Equal(now) {
		t.Errorf("last evaluated = %v, want boundary %v", got, now)
	}

	// The same boundary never fires twice.
	e.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if exec.callCount() != 1 {
		t.Fatalf("boundary fired twice: %d executions", exec.callCount())
	}

	statuses := st.runStatuses()
	if len(statuses) != 1 || statuses[0] != store.IntentRunCompleted {
		t.Fatalf("run statuses = %v, want one completed", statuses)
	}
}

func TestTick_SkipsInProgress(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	st := newFakeIntentStore(store.Intent{
		ID: 1, UserID: "alice", Enabled: true,
		ScheduleType: store.ScheduleScheduled, ScheduleCron: "0 * * * *",
		LastEvaluatedAt: last,
	})
	block := make(chan struct{})
	exec := &fakeExecutor{block: block}
	e := newTestEvaluator(st, exec, func() time.Time { return now })

	e.tick(context.Background())
	exec.waitCalls(t, 1)

	// Second tick while the first execution is still blocked: no re-entry.
	e.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if exec.callCount() != 1 {
		t.Fatalf("re-entrant dispatch: %d executions", exec.callCount())
	}

	close(block)
	waitIdle(t, e)
}

func TestTick_FailureIsIsolated(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	st := newFakeIntentStore(
		store.Intent{
			ID: 1, UserID: "alice", Enabled: true,
			ScheduleType: store.ScheduleScheduled, ScheduleCron: "0 * * * *",
			LastEvaluatedAt: last,
		},
		store.Intent{
			ID: 2, UserID: "alice", Enabled: true,
			ScheduleType: store.ScheduleScheduled, ScheduleCron: "0 * * * *",
			LastEvaluatedAt: last,
		},
	)
	exec := &fakeExecutor{failIDs: map[int64]error{1: errors.New("upgrade refused")}}
	e := newTestEvaluator(st, exec, func() time.Time { return now })

	e.tick(context.Background())
	exec.waitCalls(t, 2)
	waitIdle(t, e)

	// Both ran; one failed, one completed; both folded back to idle.
	var failed, completed int
	for _, s := range st.runStatuses() {
		switch s {
		case store.IntentRunFailed:
			failed++
		case store.IntentRunCompleted:
			completed++
		}
	}
	if failed != 1 || completed != 1 {
		t.Fatalf("statuses = %v, want one failed and one completed", st.runStatuses())
	}

	snap := e.Snapshot().(Status)
	if len(snap.InProgress) != 0 {
		t.Fatalf("in-progress set not drained: %v", snap.InProgress)
	}
}

func TestNotifyScanResult_ImmediatePath(t *testing.T) {
	t.Parallel()

	st := newFakeIntentStore(
		store.Intent{ID: 1, UserID: "alice", Enabled: true, ScheduleType: store.ScheduleImmediate},
		store.Intent{ID: 2, UserID: "alice", Enabled: true, ScheduleType: store.ScheduleScheduled, ScheduleCron: "0 * * * *"},
		store.Intent{ID: 3, UserID: "bob", Enabled: true, ScheduleType: store.ScheduleImmediate},
	)
	exec := &fakeExecutor{}
	e := newTestEvaluator(st, exec, time.Now)

	// No updates found: nothing fires.
	e.NotifyScanResult(context.Background(), "alice", 0)
	time.Sleep(20 * time.Millisecond)
	if exec.callCount() != 0 {
		t.Fatalf("dispatched %d intents for a scan with no updates", exec.callCount())
	}

	// Updates found: only alice's immediate intent fires.
	e.NotifyScanResult(context.Background(), "alice", 3)
	exec.waitCalls(t, 1)
	waitIdle(t, e)

	exec.mu.Lock()
	fired := exec.calls[0]
	exec.mu.Unlock()
	if fired != 1 {
		t.Fatalf("fired intent %d, want the immediate intent 1", fired)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	t.Parallel()

	st := newFakeIntentStore()
	e := NewEvaluator(
		Config{PollInterval: time.Hour, StartupDelay: time.Hour, Logger: slog.Default()},
		st, &fakeExecutor{}, nil, nil,
	)

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	snap := e.Snapshot().(Status)
	if !snap.Running {
		t.Fatal("snapshot should report running")
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
