package jobs

import (
	"context"
	"fmt"

	"github.com/harborwatch/harborwatch/internal/batch"
)

// ImagePruneHandler removes unreferenced images after upgrades. With no
// pruner wired it is a no-op, so the job type can stay registered (and
// schedulable) on installations whose runtime does not support pruning.
type ImagePruneHandler struct {
	Pruner ImagePruner // nil = no-op
}

// Compile-time interface check.
var _ batch.Handler = (*ImagePruneHandler)(nil)

// JobType implements batch.Handler.
func (h *ImagePruneHandler) JobType() string { return "image_prune" }

// DisplayName implements batch.Handler.
func (h *ImagePruneHandler) DisplayName() string { return "Image Prune" }

// DefaultConfig implements batch.Handler. Pruning is opt-in.
func (h *ImagePruneHandler) DefaultConfig() batch.Defaults {
	return batch.Defaults{Enabled: false, IntervalMinutes: 24 * 60}
}

// Execute prunes unreferenced images, or no-ops when no pruner is wired.
func (h *ImagePruneHandler) Execute(ctx context.Context, job batch.Job) (batch.Result, error) {
	if h.Pruner == nil {
		job.Logger.Debug("no pruner wired, nothing to do")
		return batch.Result{}, nil
	}

	removed, err := h.Pruner.PruneImages(ctx, job.UserID)
	if err != nil {
		return batch.Result{}, fmt.Errorf("jobs: prune images: %w", err)
	}
	if removed > 0 {
		job.Logger.Info("pruned unreferenced images", "removed", removed)
	}
	return batch.Result{ItemsChecked: removed, ItemsUpdated: removed}, nil
}
