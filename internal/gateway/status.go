package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/harborwatch/harborwatch/internal/batch"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime time.Duration `json:"uptime_seconds"`
	Engine batch.Status  `json:"engine"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Uptime: time.Since(g.startedAt) / time.Second,
			Engine: g.engine.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
