package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
)

// StatsHandler reports gallery, session and ledger counters.
type StatsHandler struct {
	service   *attendance.Service
	startedAt time.Time
}

// NewStatsHandler creates a stats handler; uptime is measured from now.
func NewStatsHandler(svc *attendance.Service) *StatsHandler {
	return &StatsHandler{service: svc, startedAt: svc.Clock().Now()}
}

// StatsResponse is the service counters plus process uptime.
type StatsResponse struct {
	attendance.Stats
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Get handles GET /api/v1/stats.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	now := h.service.Clock().Now()
	respondJSON(w, http.StatusOK, StatsResponse{
		Stats:         h.service.Stats(),
		StartedAt:     h.startedAt,
		UptimeSeconds: int64(now.Sub(h.startedAt) / time.Second),
	})
}
