package batch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Defaults are the settings a handler suggests for pairs with no explicit
// configuration.
type Defaults struct {
	Enabled         bool
	IntervalMinutes int
}

// Job carries the per-execution context passed to a handler.
type Job struct {
	UserID string
	RunID  int64

	// Logger writes to the run's persisted transcript. Handlers should log
	// progress here; the transcript is stored on the run record.
	Logger *slog.Logger
}

// Result is what a handler reports on success. A handler that processed only
// part of its work (an external rate limit, say) should return its partial
// counters with a nil error; only genuine failures are returned as errors.
type Result struct {
	ItemsChecked int
	ItemsUpdated int
}

// Handler is the pluggable unit of scan work. Concrete handlers are supplied
// by collaborators and registered with the manager at startup.
type Handler interface {
	// JobType identifies the category of work. Must be unique per manager.
	JobType() string

	// DisplayName is the human-readable name shown in run history.
	DisplayName() string

	// DefaultConfig suggests settings for unconfigured pairs.
	DefaultConfig() Defaults

	// Execute performs one run. Cancellation and timeouts are the handler's
	// concern; the engine runs it to completion or error.
	Execute(ctx context.Context, job Job) (Result, error)
}

// transcript is a concurrency-safe buffer collecting a run's log output.
type transcript struct {
	mu sync.Mutex
	b  strings.Builder
}

var _ io.Writer = (*transcript)(nil)

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.Write(p)
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}

// newRunLogger returns a logger writing to a fresh transcript. The
// transcript is persisted on the run record when the run ends.
func newRunLogger(userID, jobType string, runID int64) (*slog.Logger, *transcript) {
	t := &transcript{}
	logger := slog.New(slog.NewTextHandler(t, nil)).With(
		"user", userID,
		"job", jobType,
		"run", runID,
	)
	return logger, t
}
