package handlers

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// SessionsHandler handles attendance session endpoints
type SessionsHandler struct {
	service *attendance.Service
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(svc *attendance.Service) *SessionsHandler {
	return &SessionsHandler{service: svc}
}

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	ID              string    `json:"id"`
	Threshold       *float64  `json:"threshold"`
	AmbiguityMargin *float64  `json:"ambiguity_margin"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	Duration        string    `json:"duration"` // Go duration, e.g. "45m"
	Open            bool      `json:"open"`
}

// SessionResponse is a session together with the people marked present
type SessionResponse struct {
	session.Info
	Present []string `json:"present"`
}

// RejectionsResponse is the rejection log of a session
type RejectionsResponse struct {
	Rejections []session.Rejection `json:"rejections"`
	Dropped    int                 `json:"dropped"`
}

// Create registers a new session
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	sr := attendance.SessionRequest{
		ID:              req.ID,
		Threshold:       req.Threshold,
		AmbiguityMargin: req.AmbiguityMargin,
		StartAt:         req.StartAt,
		EndAt:           req.EndAt,
		Open:            req.Open,
	}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", req.Duration))
			return
		}
		sr.Duration = d
	}

	info, err := h.service.CreateSession(r.Context(), sr)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	log.Printf("Created session %s (state %s)", sanitizeForLog(info.ID), info.State)
	respondJSON(w, http.StatusCreated, info)
}

// List returns every session
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Sessions())
}

// Get returns one session with its present set
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.service.Session(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	present, err := h.service.Present(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SessionResponse{Info: info, Present: present})
}

// Open opens a pending session
func (h *SessionsHandler) Open(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.OpenSession)
}

// Close closes a session
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CloseSession)
}

// Cancel cancels a session
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CancelSession)
}

func (h *SessionsHandler) transition(w http.ResponseWriter, r *http.Request, fn func(string) (session.Info, error)) {
	info, err := fn(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// Ledger returns the session ledger as JSON or CSV
func (h *SessionsHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	effective := r.URL.Query().Get("effective") == "true"

	entries, err := h.service.Ledger(id, effective)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		if entries == nil {
			entries = []ledger.Entry{}
		}
		respondJSON(w, http.StatusOK, entries)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "attendance-"+id+".csv"))
		w.WriteHeader(http.StatusOK)
		if err := ledger.WriteCSV(w, entries); err != nil {
			log.Printf("Failed to write ledger CSV for session %s: %v", sanitizeForLog(id), err)
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
	}
}

// Rejections returns the rejection log of a session
func (h *SessionsHandler) Rejections(w http.ResponseWriter, r *http.Request) {
	rejections, dropped, err := h.service.Rejections(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if rejections == nil {
		rejections = []session.Rejection{}
	}
	respondJSON(w, http.StatusOK, RejectionsResponse{Rejections: rejections, Dropped: dropped})
}

// Events streams probe outcomes and state changes of a session
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.service.Session(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	streamSessionEvents(w, r, h.service.Events(), info)
}
