package sqlite

import (
	"context"
	"fmt"

	"github.com/harborwatch/harborwatch/internal/store"
)

// ListBatchConfigs returns every configured (user, job type) pair.
func (s *sqlStore) ListBatchConfigs(ctx context.Context) ([]store.BatchConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, job_type, enabled, interval_minutes
		FROM batch_configs
		ORDER BY user_id, job_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list batch configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.BatchConfig
	for rows.Next() {
		var (
			c       store.BatchConfig
			enabled int
		)
		if err := rows.Scan(&c.UserID, &c.JobType, &enabled, &c.IntervalMinutes); err != nil {
			return nil, fmt.Errorf("sqlite: scan batch config: %w", err)
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list batch configs: %w", err)
	}
	return out, nil
}

// UpsertBatchConfig creates or replaces one pair's settings.
func (s *sqlStore) UpsertBatchConfig(ctx context.Context, c store.BatchConfig) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batch_configs (user_id, job_type, enabled, interval_minutes)
		VALUES (?, ?, ?, ?)`,
		c.UserID, c.JobType, boolToInt(c.Enabled), c.IntervalMinutes,
	); err != nil {
		return fmt.Errorf("sqlite: upsert batch config: %w", err)
	}
	return nil
}
