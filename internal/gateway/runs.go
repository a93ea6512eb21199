package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/harborwatch/harborwatch/internal/store"
)

// runView is the JSON shape of one run in history listings.
type runView struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	Manual       bool      `json:"manual"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
	ItemsChecked int       `json:"items_checked"`
	ItemsUpdated int       `json:"items_updated"`
	ErrorMessage string    `json:"error,omitempty"`
}

// handleListRuns returns run history, newest first. Filterable by user,
// job type, and limit.
func (g *Gateway) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.RunFilter{
			UserID:  q.Get("user"),
			JobType: q.Get("job"),
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}

		runs, err := g.store.ListRuns(r.Context(), filter)
		if err != nil {
			g.logger.Error("gateway: list runs", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}

		views := make([]runView, 0, len(runs))
		for _, run := range runs {
			views = append(views, runView{
				ID:           run.ID,
				UserID:       run.UserID,
				JobType:      run.JobType,
				Status:       string(run.Status),
				Manual:       run.Manual,
				StartedAt:    run.StartedAt,
				CompletedAt:  run.CompletedAt,
				ItemsChecked: run.ItemsChecked,
				ItemsUpdated: run.ItemsUpdated,
				ErrorMessage: run.ErrorMessage,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": views})
	}
}
