package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harborwatch/harborwatch/internal/store"
)

// AcquireRun atomically creates a run in status 'running' for the pair.
// The partial unique index on (user_id, job_type) WHERE status='running'
// guarantees at most one winner; the loser gets a constraint violation,
// which is translated into a *store.ConflictError carrying the holder's id.
func (s *sqlStore) AcquireRun(ctx context.Context, userID, jobType string, manual bool, startedAt time.Time) (*store.BatchRun, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (user_id, job_type, status, manual, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, jobType, string(store.RunRunning), boolToInt(manual), formatTime(startedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			holder, lookupErr := s.runningRunID(ctx, userID, jobType)
			if lookupErr != nil {
				return nil, fmt.Errorf("sqlite: acquire run: %w", lookupErr)
			}
			return nil, &store.ConflictError{UserID: userID, JobType: jobType, RunID: holder}
		}
		return nil, fmt.Errorf("sqlite: acquire run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire run id: %w", err)
	}

	return &store.BatchRun{
		ID:        id,
		UserID:    userID,
		JobType:   jobType,
		Status:    store.RunRunning,
		Manual:    manual,
		StartedAt: startedAt,
	}, nil
}

// runningRunID returns the id of the run currently holding the lock.
func (s *sqlStore) runningRunID(ctx context.Context, userID, jobType string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM batch_runs
		WHERE user_id = ? AND job_type = ? AND status = ?`,
		userID, jobType, string(store.RunRunning),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the insert race but the holder already finished; report 0.
		return 0, nil
	}
	return id, err
}

// CompleteRun transitions a run to 'completed' with its result counters.
func (s *sqlStore) CompleteRun(ctx context.Context, id int64, completedAt time.Time, itemsChecked, itemsUpdated int, logs string) error {
	return s.finishRun(ctx, id, store.RunCompleted, completedAt, itemsChecked, itemsUpdated, "", logs)
}

// FailRun transitions a run to 'failed' with the error message and transcript.
func (s *sqlStore) FailRun(ctx context.Context, id int64, completedAt time.Time, errMsg, logs string) error {
	return s.finishRun(ctx, id, store.RunFailed, completedAt, 0, 0, errMsg, logs)
}

func (s *sqlStore) finishRun(ctx context.Context, id int64, status store.RunStatus, completedAt time.Time, checked, updated int, errMsg, logs string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, completed_at = ?, items_checked = ?, items_updated = ?, error_message = ?, logs = ?
		WHERE id = ?`,
		string(status), formatTime(completedAt), checked, updated, errMsg, logs, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish run %d: %w", id, err)
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

// LatestCompletedRun returns the most recent completed run for the pair.
func (s *sqlStore) LatestCompletedRun(ctx context.Context, userID, jobType string) (*store.BatchRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, status, manual, started_at, completed_at,
		       items_checked, items_updated, error_message, logs
		FROM batch_runs
		WHERE user_id = ? AND job_type = ? AND status = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`,
		userID, jobType, string(store.RunCompleted),
	)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest completed run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *sqlStore) ListRuns(ctx context.Context, f store.RunFilter) ([]store.BatchRun, error) {
	query := `
		SELECT id, user_id, job_type, status, manual, started_at, completed_at,
		       items_checked, items_updated, error_message, logs
		FROM batch_runs`

	var conds []string
	var args []any
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, f.JobType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.BatchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	return out, nil
}

// SweepStaleRuns force-fails every run left in status 'running' by a previous
// process lifetime. Called once on startup before any polling begins.
func (s *sqlStore) SweepStaleRuns(ctx context.Context, completedAt time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ?`,
		string(store.RunFailed), formatTime(completedAt), reason, string(store.RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*store.BatchRun, error) {
	var (
		run                  store.BatchRun
		status               string
		manual               int
		startedAt, completed string
	)
	if err := sc.Scan(
		&run.ID, &run.UserID, &run.JobType, &status, &manual, &startedAt, &completed,
		&run.ItemsChecked, &run.ItemsUpdated, &run.ErrorMessage, &run.Logs,
	); err != nil {
		return nil, err
	}
	run.Status = store.RunStatus(status)
	run.Manual = manual != 0

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTime(completed); err != nil {
		return nil, err
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
// modernc.org/sqlite surfaces these as plain errors with a stable message
// prefix, so string matching is the portable check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
