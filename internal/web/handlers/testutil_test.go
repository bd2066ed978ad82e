package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/clock"
	"github.com/kozaktomas/smart-attendance/internal/config"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testFaces maps image bytes to the embedding the fake encoder returns
var testFaces = map[string][]float32{
	"alice.jpg": {1, 0, 0},
	"bob.jpg":   {0, 1, 0},
	"zed.jpg":   {0, 0, 1},
}

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Embedding.Dim = 3
	cfg.Attendance.Workers = 1
	cfg.Attendance.QueueSize = 4
	cfg.Attendance.SessionDuration = 0
	return &cfg
}

// newTestService creates a service with a fake encoder and clock
func newTestService(t *testing.T) (*attendance.Service, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(t0)
	enc := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		emb, ok := testFaces[string(image)]
		if !ok {
			return nil, encoder.ErrEncodingFailed
		}
		return emb, nil
	})
	svc, err := attendance.New(testConfig(), enc, attendance.WithClock(c))
	if err != nil {
		t.Fatalf("attendance.New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, c
}

// enrollTestIdentity enrolls one person with the embedding of image
func enrollTestIdentity(t *testing.T, svc *attendance.Service, personID, name, image string) {
	t.Helper()
	if _, err := svc.EnrollEmbeddings(context.Background(), personID, name, [][]float32{testFaces[image]}, false); err != nil {
		t.Fatalf("EnrollEmbeddings(%s) error = %v", personID, err)
	}
}

// openTestSession creates and opens a session
func openTestSession(t *testing.T, svc *attendance.Service, id string) {
	t.Helper()
	if _, err := svc.CreateSession(context.Background(), attendance.SessionRequest{ID: id, Open: true}); err != nil {
		t.Fatalf("CreateSession(%s) error = %v", id, err)
	}
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
