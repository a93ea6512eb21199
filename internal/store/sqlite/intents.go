package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborwatch/harborwatch/internal/store"
)

// CreateIntent inserts a new intent. If LastEvaluatedAt is zero it is
// initialised to CreatedAt so the intent waits for the next genuine cron
// boundary instead of firing at creation.
func (s *sqlStore) CreateIntent(ctx context.Context, in store.Intent) (*store.Intent, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.LastEvaluatedAt.IsZero() {
		in.LastEvaluatedAt = in.CreatedAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (user_id, name, enabled, schedule_type, schedule_cron, last_evaluated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.UserID, in.Name, boolToInt(in.Enabled), string(in.ScheduleType), in.ScheduleCron,
		formatTime(in.LastEvaluatedAt), formatTime(in.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create intent: %w", err)
	}

	in.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: create intent id: %w", err)
	}
	return &in, nil
}

// GetIntent fetches one intent by id.
func (s *sqlStore) GetIntent(ctx context.Context, id int64) (*store.Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, enabled, schedule_type, schedule_cron, last_evaluated_at, created_at
		FROM intents WHERE id = ?`, id)

	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get intent %d: %w", id, err)
	}
	return in, nil
}

// ListIntentUsers returns the distinct user ids owning enabled intents.
func (s *sqlStore) ListIntentUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM intents WHERE enabled = 1 ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list intent users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list intent users: %w", err)
	}
	return users, nil
}

// ListEnabledIntents returns a user's enabled intents of the given type.
func (s *sqlStore) ListEnabledIntents(ctx context.Context, userID string, t store.ScheduleType) ([]store.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, enabled, schedule_type, schedule_cron, last_evaluated_at, created_at
		FROM intents
		WHERE user_id = ? AND enabled = 1 AND schedule_type = ?
		ORDER BY id`,
		userID, string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan intent: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list intents: %w", err)
	}
	return out, nil
}

// UpdateIntentLastEvaluated advances the evaluation marker to the consumed
// trigger boundary.
func (s *sqlStore) UpdateIntentLastEvaluated(ctx context.Context, id int64, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE intents SET last_evaluated_at = ? WHERE id = ?",
		formatTime(t), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update intent %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrIntentNotFound
	}
	return nil
}

// CreateIntentRun records the start of one intent execution.
func (s *sqlStore) CreateIntentRun(ctx context.Context, run store.IntentRun) (*store.IntentRun, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_runs (intent_id, user_id, trigger_type, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.IntentID, run.UserID, run.Trigger, string(store.IntentRunRunning), formatTime(run.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create intent run: %w", err)
	}

	run.Status = store.IntentRunRunning
	run.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: create intent run id: %w", err)
	}
	return &run, nil
}

// FinishIntentRun transitions an intent run to a terminal status.
func (s *sqlStore) FinishIntentRun(ctx context.Context, id int64, status store.IntentRunStatus, completedAt time.Time, result store.IntentRunResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intent_runs
		SET status = ?, completed_at = ?, containers_matched = ?, containers_upgraded = ?,
		    containers_failed = ?, containers_skipped = ?, error_message = ?
		WHERE id = ?`,
		string(status), formatTime(completedAt),
		result.ContainersMatched, result.ContainersUpgraded,
		result.ContainersFailed, result.ContainersSkipped,
		result.ErrorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish intent run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrRunNotFound
	}
	return nil
}

// SweepStaleIntentRuns force-fails intent runs left 'running' by a previous
// process lifetime.
func (s *sqlStore) SweepStaleIntentRuns(ctx context.Context, completedAt time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intent_runs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ?`,
		string(store.IntentRunFailed), formatTime(completedAt), reason, string(store.IntentRunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep stale intent runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

func scanIntent(sc scanner) (*store.Intent, error) {
	var (
		in                  store.Intent
		enabled             int
		scheduleType        string
		lastEval, createdAt string
	)
	if err := sc.Scan(&in.ID, &in.UserID, &in.Name, &enabled, &scheduleType, &in.ScheduleCron, &lastEval, &createdAt); err != nil {
		return nil, err
	}
	in.Enabled = enabled != 0
	in.ScheduleType = store.ScheduleType(scheduleType)

	var err error
	if in.LastEvaluatedAt, err = parseTime(lastEval); err != nil {
		return nil, err
	}
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &in, nil
}
