package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborwatch/harborwatch/internal/batch"
	"github.com/harborwatch/harborwatch/internal/store"
)

// handleListJobs returns the registered job types.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"job_types": g.engine.JobTypes()})
	}
}

// triggerRequest is the body of POST /api/jobs/{jobType}/run.
type triggerRequest struct {
	UserID string `json:"user_id"`
}

// triggerResponse acknowledges an accepted manual run.
type triggerResponse struct {
	RunID     int64  `json:"run_id"`
	UserID    string `json:"user_id"`
	JobType   string `json:"job_type"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
}

// handleTriggerJob starts a manual run. The lock decision is synchronous: a
// pair already running is rejected with 409 and the in-flight run id, an
// unknown job type with 404. On acceptance the run completes in the
// background and 202 carries the new run's id.
func (g *Gateway) handleTriggerJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := chi.URLParam(r, "jobType")

		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		run, err := g.engine.TriggerJob(r.Context(), req.UserID, jobType)
		var conflict *store.ConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "job already running",
				"run_id": conflict.RunID,
			})
			return
		case errors.Is(err, batch.ErrUnknownJobType):
			writeError(w, http.StatusNotFound, "unknown job type: "+jobType)
			return
		case err != nil:
			g.logger.Error("gateway: trigger job", "user", req.UserID, "job", jobType, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start run")
			return
		}

		writeJSON(w, http.StatusAccepted, triggerResponse{
			RunID:     run.ID,
			UserID:    run.UserID,
			JobType:   run.JobType,
			Status:    string(run.Status),
			StartedAt: run.StartedAt.Format(time.RFC3339),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
