package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

func TestRespondJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusCreated, map[string]any{"message": "hello", "count": 42})

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")

	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if result["message"] != "hello" || result["count"] != float64(42) {
		t.Errorf("unexpected body: %v", result)
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondError(recorder, http.StatusBadRequest, "something went wrong")

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "something went wrong")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{gallery.ErrIdentityNotFound, http.StatusNotFound},
		{ledger.ErrEntryNotFound, http.StatusNotFound},
		{session.ErrSessionClosed, http.StatusConflict},
		{session.ErrSessionExists, http.StatusConflict},
		{session.ErrSessionNotOpen, http.StatusConflict},
		{ledger.ErrDuplicateEntry, http.StatusConflict},
		{ledger.ErrOutOfOrderEntry, http.StatusConflict},
		{ledger.ErrAlreadySuperseded, http.StatusConflict},
		{encoder.ErrEncodingFailed, http.StatusUnprocessableEntity},
		{attendance.ErrTooFewImages, http.StatusUnprocessableEntity},
		{encoder.ErrEncodingTimeout, http.StatusGatewayTimeout},
		{session.ErrQueueFull, http.StatusServiceUnavailable},
		{session.ErrInvalidConfig, http.StatusBadRequest},
		{gallery.ErrDimensionMismatch, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			if got := errorStatus(tc.err); got != tc.want {
				t.Errorf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	methods := []string{"GET", "POST", "HEAD"}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/health", nil)
			recorder := httptest.NewRecorder()

			HealthCheck(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			if method == "HEAD" {
				return
			}
			var result map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if result["status"] != "ok" {
				t.Errorf("expected status 'ok', got '%s'", result["status"])
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("a\nb\rc"); got != "abc" {
		t.Errorf("sanitizeForLog() = %q, want abc", got)
	}
}
