package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a service error to its HTTP status.
func respondServiceError(w http.ResponseWriter, err error) {
	respondError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, gallery.ErrIdentityNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrSessionNotOpen),
		errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, ledger.ErrOutOfOrderEntry),
		errors.Is(err, ledger.ErrDuplicateEntry),
		errors.Is(err, ledger.ErrAlreadySuperseded):
		return http.StatusConflict
	case errors.Is(err, encoder.ErrEncodingFailed),
		errors.Is(err, attendance.ErrTooFewImages):
		return http.StatusUnprocessableEntity
	case errors.Is(err, encoder.ErrEncodingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrQueueFull), errors.Is(err, session.ErrPipelineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidConfig),
		errors.Is(err, gallery.ErrDimensionMismatch),
		errors.Is(err, gallery.ErrInvalidEmbedding),
		errors.Is(err, gallery.ErrInvalidPerson),
		errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into target, rejecting unknown fields.
func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
