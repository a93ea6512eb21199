package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborwatch/harborwatch/internal/intent"
	"github.com/harborwatch/harborwatch/internal/store"
)

// ContainerUpgrader executes auto-upgrade intents: it matches the user's
// containers with a pending update and recreates each through the runtime.
// Per-container failures are counted and logged, never propagated, so one
// stuck container cannot abort the rest of an intent's work.
type ContainerUpgrader struct {
	Source  ContainerSource
	Runtime ContainerRuntime // nil = dry run, matched containers are skipped
	Logger  *slog.Logger
}

// Compile-time interface check.
var _ intent.Executor = (*ContainerUpgrader)(nil)

// ExecuteIntent implements intent.Executor.
func (u *ContainerUpgrader) ExecuteIntent(ctx context.Context, in store.Intent, trigger intent.Trigger) (intent.ExecResult, error) {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}

	containers, err := u.Source.ListContainers(ctx, in.UserID)
	if err != nil {
		return intent.ExecResult{}, fmt.Errorf("jobs: list containers: %w", err)
	}

	var res intent.ExecResult
	for _, c := range containers {
		if !c.UpdateAvailable() {
			continue
		}
		res.ContainersMatched++

		if u.Runtime == nil {
			res.ContainersSkipped++
			continue
		}
		if err := u.Runtime.UpgradeContainer(ctx, in.UserID, c); err != nil {
			res.ContainersFailed++
			logger.Error("jobs: container upgrade failed",
				"intent", in.ID, "user", in.UserID, "container", c.Name,
				"trigger", string(trigger), "error", err)
			continue
		}
		res.ContainersUpgraded++
		logger.Info("jobs: container upgraded",
			"intent", in.ID, "user", in.UserID, "container", c.Name,
			"image", c.Image, "digest", c.LatestDigest)
	}
	return res, nil
}
