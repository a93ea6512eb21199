package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborwatch/harborwatch/internal/store"
	"github.com/harborwatch/harborwatch/internal/store/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, db, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return s
}

func TestOpen_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	s, db, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()

	if s == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestAcquireRun_Conflict(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := s.AcquireRun(ctx, "alice", "update_check", false, now)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.Status != store.RunRunning {
		t.Fatalf("status = %q, want running", first.Status)
	}

	_, err = s.AcquireRun(ctx, "alice", "update_check", true, now)
	if !errors.Is(err, store.ErrRunInProgress) {
		t.Fatalf("second acquire error = %v, want ErrRunInProgress", err)
	}

	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second acquire error = %T, want *store.ConflictError", err)
	}
	if conflict.RunID != first.ID {
		t.Errorf("conflict run id = %d, want %d", conflict.RunID, first.ID)
	}

	// A different pair is unaffected.
	if _, err := s.AcquireRun(ctx, "bob", "update_check", false, now); err != nil {
		t.Fatalf("acquire for other user: %v", err)
	}
	if _, err := s.AcquireRun(ctx, "alice", "image_prune", false, now); err != nil {
		t.Fatalf("acquire for other job type: %v", err)
	}
}

func TestAcquireRun_ReleasedAfterCompletion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, err := s.AcquireRun(ctx, "alice", "update_check", false, now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.CompleteRun(ctx, run.ID, now.Add(time.Second), 12, 3, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The lock is released; a new run may start.
	if _, err := s.AcquireRun(ctx, "alice", "update_check", false, now.Add(2*time.Second)); err != nil {
		t.Fatalf("re-acquire after completion: %v", err)
	}
}

func TestLatestCompletedRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.LatestCompletedRun(ctx, "alice", "update_check"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("latest on empty store = %v, want ErrRunNotFound", err)
	}

	r1, _ := s.AcquireRun(ctx, "alice", "update_check", false, base)
	if err := s.CompleteRun(ctx, r1.ID, base.Add(time.Minute), 5, 0, ""); err != nil {
		t.Fatalf("complete r1: %v", err)
	}

	r2, _ := s.AcquireRun(ctx, "alice", "update_check", false, base.Add(time.Hour))
	if err := s.FailRun(ctx, r2.ID, base.Add(time.Hour+time.Minute), "registry timeout", "log"); err != nil {
		t.Fatalf("fail r2: %v", err)
	}

	// The failed run must not count as the latest completed one.
	latest, err := s.LatestCompletedRun(ctx, "alice", "update_check")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != r1.ID {
		t.Errorf("latest id = %d, want %d", latest.ID, r1.ID)
	}
	if !latest.CompletedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("completed at = %v, want %v", latest.CompletedAt, base.Add(time.Minute))
	}
}

func TestSweepStaleRuns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.AcquireRun(ctx, "alice", "update_check", false, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.AcquireRun(ctx, "bob", "update_check", false, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := s.SweepStaleRuns(ctx, now.Add(time.Minute), "aborted: process restart")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d runs, want 2", n)
	}

	// Locks are released after the sweep.
	if _, err := s.AcquireRun(ctx, "alice", "update_check", false, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("acquire after sweep: %v", err)
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{UserID: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("bob's run = %+v, want one failed run", runs)
	}
	if runs[0].ErrorMessage != "aborted: process restart" {
		t.Errorf("error message = %q", runs[0].ErrorMessage)
	}
}

func TestListRuns_Filter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, pair := range []struct{ user, job string }{
		{"alice", "update_check"},
		{"alice", "image_prune"},
		{"bob", "update_check"},
	} {
		r, err := s.AcquireRun(ctx, pair.user, pair.job, false, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := s.CompleteRun(ctx, r.ID, base.Add(time.Duration(i)*time.Minute+30*time.Second), 1, 0, ""); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list alice: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("alice runs = %d, want 2", len(runs))
	}
	// Newest first.
	if runs[0].JobType != "image_prune" {
		t.Errorf("first run = %q, want image_prune", runs[0].JobType)
	}

	runs, err = s.ListRuns(ctx, store.RunFilter{JobType: "update_check", Limit: 1})
	if err != nil {
		t.Fatalf("list update_check: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("limited runs = %d, want 1", len(runs))
	}
}

func TestIntents_CreateAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)

	in, err := s.CreateIntent(ctx, store.Intent{
		UserID:       "alice",
		Name:         "nightly upgrade",
		Enabled:      true,
		ScheduleType: store.ScheduleScheduled,
		ScheduleCron: "0 3 * * *",
		CreatedAt:    created,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// LastEvaluatedAt defaults to creation time so a new intent waits for
	// the next genuine boundary.
	if !in.LastEvaluatedAt.Equal(created) {
		t.Errorf("last evaluated = %v, want %v", in.LastEvaluatedAt, created)
	}

	if _, err := s.CreateIntent(ctx, store.Intent{
		UserID:       "alice",
		Name:         "on update",
		Enabled:      true,
		ScheduleType: store.ScheduleImmediate,
		CreatedAt:    created,
	}); err != nil {
		t.Fatalf("create immediate: %v", err)
	}
	if _, err := s.CreateIntent(ctx, store.Intent{
		UserID:       "alice",
		Name:         "disabled",
		Enabled:      false,
		ScheduleType: store.ScheduleScheduled,
		ScheduleCron: "* * * * *",
		CreatedAt:    created,
	}); err != nil {
		t.Fatalf("create disabled: %v", err)
	}

	scheduled, err := s.ListEnabledIntents(ctx, "alice", store.ScheduleScheduled)
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].Name != "nightly upgrade" {
		t.Fatalf("scheduled = %+v, want only the nightly upgrade", scheduled)
	}

	immediate, err := s.ListEnabledIntents(ctx, "alice", store.ScheduleImmediate)
	if err != nil {
		t.Fatalf("list immediate: %v", err)
	}
	if len(immediate) != 1 || immediate[0].Name != "on update" {
		t.Fatalf("immediate = %+v, want only the on-update intent", immediate)
	}

	users, err := s.ListIntentUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", users)
	}
}

func TestIntents_UpdateLastEvaluated(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	in, err := s.CreateIntent(ctx, store.Intent{
		UserID:       "alice",
		Name:         "nightly",
		Enabled:      true,
		ScheduleType: store.ScheduleScheduled,
		ScheduleCron: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	boundary := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if err := s.UpdateIntentLastEvaluated(ctx, in.ID, boundary); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastEvaluatedAt.Equal(boundary) {
		t.Errorf("last evaluated = %v, want %v", got.LastEvaluatedAt, boundary)
	}

	if err := s.UpdateIntentLastEvaluated(ctx, 9999, boundary); !errors.Is(err, store.ErrIntentNotFound) {
		t.Errorf("update missing intent = %v, want ErrIntentNotFound", err)
	}
}

func TestIntentRuns_SweepStale(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	in, err := s.CreateIntent(ctx, store.Intent{
		UserID:       "alice",
		Name:         "nightly",
		Enabled:      true,
		ScheduleType: store.ScheduleScheduled,
		ScheduleCron: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	run, err := s.CreateIntentRun(ctx, store.IntentRun{IntentID: in.ID, UserID: "alice", Trigger: "scheduled", StartedAt: now})
	if err != nil {
		t.Fatalf("create intent run: %v", err)
	}
	if run.Status != store.IntentRunRunning {
		t.Fatalf("status = %q, want running", run.Status)
	}

	n, err := s.SweepStaleIntentRuns(ctx, now.Add(time.Minute), "aborted: process restart")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	// Finished runs are not swept again.
	n, err = s.SweepStaleIntentRuns(ctx, now.Add(2*time.Minute), "aborted: process restart")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep = %d, want 0", n)
	}
}

func TestBatchConfigs_Upsert(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	cfg := store.BatchConfig{UserID: "alice", JobType: "update_check", Enabled: true, IntervalMinutes: 60}
	if err := s.UpsertBatchConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cfg.IntervalMinutes = 30
	if err := s.UpsertBatchConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert replace: %v", err)
	}

	configs, err := s.ListBatchConfigs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(configs))
	}
	if configs[0].IntervalMinutes != 30 {
		t.Errorf("interval = %d, want 30", configs[0].IntervalMinutes)
	}
}
