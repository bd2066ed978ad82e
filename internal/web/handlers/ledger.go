package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/web/middleware"
)

// LedgerHandler handles ledger corrections
type LedgerHandler struct {
	service *attendance.Service
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(svc *attendance.Service) *LedgerHandler {
	return &LedgerHandler{service: svc}
}

// CorrectionRequest is the body of POST /ledger/{entryId}/corrections
type CorrectionRequest struct {
	Note string `json:"note"`
}

// Correct appends a correction retracting a ledger entry
func (h *LedgerHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	entryID := chi.URLParam(r, "entryId")
	entry, err := h.service.Correct(r.Context(), entryID, req.Note)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	operator := middleware.GetOperatorFromContext(r.Context())
	if operator == "" {
		operator = "anonymous"
	}
	log.Printf("Entry %s retracted by %s (operator %s)", sanitizeForLog(entryID), entry.ID, sanitizeForLog(operator))
	respondJSON(w, http.StatusCreated, entry)
}
