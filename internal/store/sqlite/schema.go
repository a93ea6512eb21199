package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
//
// The partial unique index on batch_runs makes lock acquisition atomic: at
// most one row per (user_id, job_type) may be in status 'running', so a
// concurrent INSERT loses with a constraint violation instead of racing.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS batch_runs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       TEXT    NOT NULL,
		job_type      TEXT    NOT NULL,
		status        TEXT    NOT NULL,
		manual        INTEGER NOT NULL DEFAULT 0,
		started_at    TEXT    NOT NULL,
		completed_at  TEXT    NOT NULL DEFAULT '',
		items_checked INTEGER NOT NULL DEFAULT 0,
		items_updated INTEGER NOT NULL DEFAULT 0,
		error_message TEXT    NOT NULL DEFAULT '',
		logs          TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_runs_lock
		ON batch_runs(user_id, job_type) WHERE status = 'running'`,

	`CREATE INDEX IF NOT EXISTS idx_batch_runs_pair
		ON batch_runs(user_id, job_type, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS intents (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id           TEXT    NOT NULL,
		name              TEXT    NOT NULL,
		enabled           INTEGER NOT NULL DEFAULT 1,
		schedule_type     TEXT    NOT NULL,
		schedule_cron     TEXT    NOT NULL DEFAULT '',
		last_evaluated_at TEXT    NOT NULL DEFAULT '',
		created_at        TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_intents_user ON intents(user_id, enabled, schedule_type)`,

	`CREATE TABLE IF NOT EXISTS intent_runs (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id           INTEGER NOT NULL,
		user_id             TEXT    NOT NULL,
		trigger_type        TEXT    NOT NULL,
		status              TEXT    NOT NULL,
		started_at          TEXT    NOT NULL,
		completed_at        TEXT    NOT NULL DEFAULT '',
		containers_matched  INTEGER NOT NULL DEFAULT 0,
		containers_upgraded INTEGER NOT NULL DEFAULT 0,
		containers_failed   INTEGER NOT NULL DEFAULT 0,
		containers_skipped  INTEGER NOT NULL DEFAULT 0,
		error_message       TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_intent_runs_intent ON intent_runs(intent_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS batch_configs (
		user_id          TEXT    NOT NULL,
		job_type         TEXT    NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		interval_minutes INTEGER NOT NULL,
		PRIMARY KEY (user_id, job_type)
	)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
