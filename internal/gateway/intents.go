package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/harborwatch/harborwatch/internal/schedule"
	"github.com/harborwatch/harborwatch/internal/store"
)

// intentView is the JSON shape of one intent.
type intentView struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	ScheduleType    string    `json:"schedule_type"`
	ScheduleCron    string    `json:"schedule_cron,omitempty"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
}

func toIntentView(in store.Intent) intentView {
	return intentView{
		ID:              in.ID,
		UserID:          in.UserID,
		Name:            in.Name,
		Enabled:         in.Enabled,
		ScheduleType:    string(in.ScheduleType),
		ScheduleCron:    in.ScheduleCron,
		LastEvaluatedAt: in.LastEvaluatedAt,
		CreatedAt:       in.CreatedAt,
	}
}

// handleListIntents returns a user's enabled intents, both dispatch paths.
func (g *Gateway) handleListIntents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user query parameter is required")
			return
		}

		var views []intentView
		for _, t := range []store.ScheduleType{store.ScheduleScheduled, store.ScheduleImmediate} {
			intents, err := g.store.ListEnabledIntents(r.Context(), userID, t)
			if err != nil {
				g.logger.Error("gateway: list intents", "user", userID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to list intents")
				return
			}
			for _, in := range intents {
				views = append(views, toIntentView(in))
			}
		}
		if views == nil {
			views = []intentView{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"intents": views})
	}
}

// createIntentRequest is the body of POST /api/intents.
type createIntentRequest struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Enabled      *bool  `json:"enabled,omitempty"` // default true
	ScheduleType string `json:"schedule_type"`
	ScheduleCron string `json:"schedule_cron,omitempty"`
}

// handleCreateIntent creates an auto-upgrade intent. Scheduled intents must
// carry a parseable cron expression; it is rejected here so a bad expression
// can never reach the evaluator.
func (g *Gateway) handleCreateIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createIntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID == "" || req.Name == "" {
			writeError(w, http.StatusBadRequest, "user_id and name are required")
			return
		}

		st := store.ScheduleType(req.ScheduleType)
		switch st {
		case store.ScheduleScheduled:
			if req.ScheduleCron == "" {
				writeError(w, http.StatusBadRequest, "schedule_cron is required for scheduled intents")
				return
			}
			if _, err := schedule.ParseCron(req.ScheduleCron); err != nil {
				writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
				return
			}
		case store.ScheduleImmediate:
			if req.ScheduleCron != "" {
				writeError(w, http.StatusBadRequest, "immediate intents take no cron expression")
				return
			}
		default:
			writeError(w, http.StatusBadRequest, `schedule_type must be "scheduled" or "immediate"`)
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		created, err := g.store.CreateIntent(r.Context(), store.Intent{
			UserID:       req.UserID,
			Name:         req.Name,
			Enabled:      enabled,
			ScheduleType: st,
			ScheduleCron: req.ScheduleCron,
			CreatedAt:    time.Now().UTC(),
		})
		if err != nil {
			g.logger.Error("gateway: create intent", "user", req.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create intent")
			return
		}
		writeJSON(w, http.StatusCreated, toIntentView(*created))
	}
}
