package jobs

import (
	"context"
	"fmt"

	"github.com/harborwatch/harborwatch/internal/batch"
)

// UpdateCheckHandler scans a user's containers for newer image digests. Each
// container is checked independently; a registry failure on one container is
// logged to the run transcript and the scan moves on.
type UpdateCheckHandler struct {
	Source   ContainerSource
	Registry RegistryClient
}

// Compile-time interface check.
var _ batch.Handler = (*UpdateCheckHandler)(nil)

// JobType implements batch.Handler.
func (h *UpdateCheckHandler) JobType() string { return "update_check" }

// DisplayName implements batch.Handler.
func (h *UpdateCheckHandler) DisplayName() string { return "Container Update Check" }

// DefaultConfig implements batch.Handler.
func (h *UpdateCheckHandler) DefaultConfig() batch.Defaults {
	return batch.Defaults{Enabled: true, IntervalMinutes: 60}
}

// Execute resolves the registry digest behind every container's tag and
// records newly available updates. ItemsUpdated counts containers whose
// registry digest differs from the one they run.
func (h *UpdateCheckHandler) Execute(ctx context.Context, job batch.Job) (batch.Result, error) {
	containers, err := h.Source.ListContainers(ctx, job.UserID)
	if err != nil {
		return batch.Result{}, fmt.Errorf("jobs: list containers: %w", err)
	}

	var res batch.Result
	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("jobs: update check cancelled: %w", err)
		}

		digest, err := h.Registry.ResolveDigest(ctx, c.Image, c.Tag)
		if err != nil {
			job.Logger.Warn("registry lookup failed, skipping container",
				"container", c.Name, "image", c.Image, "error", err)
			continue
		}
		res.ItemsChecked++

		if digest == c.Digest {
			continue
		}
		if err := h.Source.RecordLatestDigest(ctx, job.UserID, c.ID, digest); err != nil {
			job.Logger.Error("failed to record latest digest",
				"container", c.Name, "error", err)
			continue
		}
		res.ItemsUpdated++
		job.Logger.Info("update available",
			"container", c.Name, "image", c.Image, "tag", c.Tag, "digest", digest)
	}

	job.Logger.Info("scan finished", "checked", res.ItemsChecked, "updates", res.ItemsUpdated)
	return res, nil
}
