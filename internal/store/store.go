// Package store defines the persistence contracts for the harborwatch
// engine: batch runs (which double as durable execution locks), intents,
// intent runs, and per-user job configuration.
//
// The engine treats the store as the source of truth for "is this running".
// In-memory state held by the engine is a same-process cache that is
// reconciled against the store on startup (stale-run sweep).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	ErrRunNotFound    = errors.New("store: run not found")
	ErrIntentNotFound = errors.New("store: intent not found")
	ErrRunInProgress  = errors.New("store: run already in progress")
)

// ConflictError reports a failed lock acquisition. It wraps ErrRunInProgress
// and carries the id of the run that holds the lock, so callers can surface
// "already running as run X" to the user.
type ConflictError struct {
	UserID  string
	JobType string
	RunID   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: job %q already running for user %q (run %d)", e.JobType, e.UserID, e.RunID)
}

// Unwrap makes errors.Is(err, ErrRunInProgress) work.
func (e *ConflictError) Unwrap() error { return ErrRunInProgress }

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// BatchRun is one execution attempt of a (user, job type) pair. A row in
// status "running" is the durable half of the mutual-exclusion lock.
type BatchRun struct {
	ID           int64
	UserID       string
	JobType      string
	Status       RunStatus
	Manual       bool
	StartedAt    time.Time
	CompletedAt  time.Time // zero while running
	ItemsChecked int
	ItemsUpdated int
	ErrorMessage string
	Logs         string
}

// ScheduleType distinguishes cron-scheduled intents from intents fired by
// scan results.
type ScheduleType string

const (
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleImmediate ScheduleType = "immediate"
)

// Intent is a user-defined auto-upgrade rule.
//
// LastEvaluatedAt is advanced exclusively by the evaluation logic, always to
// a cron boundary that has been consumed, never backward. New intents are
// created with LastEvaluatedAt set to their creation time so they wait for
// the next genuine boundary instead of firing immediately.
type Intent struct {
	ID              int64
	UserID          string
	Name            string
	Enabled         bool
	ScheduleType    ScheduleType
	ScheduleCron    string // required iff ScheduleType == ScheduleScheduled
	LastEvaluatedAt time.Time
	CreatedAt       time.Time
}

// IntentRunStatus is the lifecycle state of one intent execution.
type IntentRunStatus string

const (
	IntentRunRunning   IntentRunStatus = "running"
	IntentRunCompleted IntentRunStatus = "completed"
	IntentRunFailed    IntentRunStatus = "failed"
)

// IntentRun is the audit record of one intent execution. Rows left in
// status "running" by a crashed process are swept to failed on startup.
type IntentRun struct {
	ID                 int64
	IntentID           int64
	UserID             string
	Trigger            string // "scheduled" or "immediate"
	Status             IntentRunStatus
	StartedAt          time.Time
	CompletedAt        time.Time
	ContainersMatched  int
	ContainersUpgraded int
	ContainersFailed   int
	ContainersSkipped  int
	ErrorMessage       string
}

// BatchConfig is the per-(user, job type) schedule configuration. It is
// written by the settings layer and read-only to the engine.
type BatchConfig struct {
	UserID          string
	JobType         string
	Enabled         bool
	IntervalMinutes int
}

// RunFilter narrows ListRuns results. Zero values mean "any".
type RunFilter struct {
	UserID  string
	JobType string
	Limit   int
}

// RunStore persists batch runs and implements the durable lock.
type RunStore interface {
	// AcquireRun atomically creates a run in status "running" for the pair,
	// failing with a *ConflictError if one already exists.
	AcquireRun(ctx context.Context, userID, jobType string, manual bool, startedAt time.Time) (*BatchRun, error)

	// CompleteRun transitions a run to "completed" with its result counters.
	CompleteRun(ctx context.Context, id int64, completedAt time.Time, itemsChecked, itemsUpdated int, logs string) error

	// FailRun transitions a run to "failed" with the error message and log transcript.
	FailRun(ctx context.Context, id int64, completedAt time.Time, errMsg, logs string) error

	// LatestCompletedRun returns the most recent completed run for the pair,
	// or ErrRunNotFound if the pair has never completed a run.
	LatestCompletedRun(ctx context.Context, userID, jobType string) (*BatchRun, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]BatchRun, error)

	// SweepStaleRuns force-fails every run left in status "running" by a
	// previous process lifetime and returns how many were swept.
	SweepStaleRuns(ctx context.Context, completedAt time.Time, reason string) (int, error)
}

// IntentStore persists intents and their execution records.
type IntentStore interface {
	CreateIntent(ctx context.Context, in Intent) (*Intent, error)
	GetIntent(ctx context.Context, id int64) (*Intent, error)

	// ListIntentUsers returns the distinct user ids owning at least one
	// enabled intent.
	ListIntentUsers(ctx context.Context) ([]string, error)

	// ListEnabledIntents returns a user's enabled intents of the given type.
	ListEnabledIntents(ctx context.Context, userID string, t ScheduleType) ([]Intent, error)

	// UpdateIntentLastEvaluated advances an intent's evaluation marker to the
	// consumed trigger boundary.
	UpdateIntentLastEvaluated(ctx context.Context, id int64, t time.Time) error

	// CreateIntentRun records the start of one intent execution.
	CreateIntentRun(ctx context.Context, run IntentRun) (*IntentRun, error)

	// FinishIntentRun transitions an intent run to a terminal status.
	FinishIntentRun(ctx context.Context, id int64, status IntentRunStatus, completedAt time.Time, result IntentRunResult) error

	// SweepStaleIntentRuns force-fails intent runs left "running" by a
	// previous process lifetime and returns how many were swept.
	SweepStaleIntentRuns(ctx context.Context, completedAt time.Time, reason string) (int, error)
}

// IntentRunResult carries the terminal counters of one intent execution.
type IntentRunResult struct {
	ContainersMatched  int
	ContainersUpgraded int
	ContainersFailed   int
	ContainersSkipped  int
	ErrorMessage       string
}

// ConfigStore exposes the per-(user, job type) schedule settings.
type ConfigStore interface {
	// ListBatchConfigs returns every configured (user, job type) pair.
	ListBatchConfigs(ctx context.Context) ([]BatchConfig, error)

	// UpsertBatchConfig creates or replaces one pair's settings. Used by the
	// settings layer and by startup seeding from the config file.
	UpsertBatchConfig(ctx context.Context, c BatchConfig) error
}

// Store is the full persistence surface the engine consumes.
type Store interface {
	RunStore
	IntentStore
	ConfigStore
}
