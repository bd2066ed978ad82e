package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

func enrollRequest(t *testing.T, fields map[string]string, files ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for i, f := range files {
		part, err := mw.CreateFormFile("file", "photo"+string(rune('a'+i))+".jpg")
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		part.Write([]byte(f))
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/identities", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIdentitiesHandler_Enroll(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewIdentitiesHandler(svc)

	tests := []struct {
		name       string
		fields     map[string]string
		files      []string
		wantStatus int
		wantError  string
	}{
		{"ok", map[string]string{"person_id": "R001", "name": "Alice", "min_images": "2"}, []string{"alice.jpg", "alice.jpg", "wall.jpg"}, http.StatusCreated, ""},
		{"missing person", map[string]string{"name": "Alice"}, []string{"alice.jpg"}, http.StatusBadRequest, "person_id is required"},
		{"no files", map[string]string{"person_id": "R002"}, nil, http.StatusBadRequest, "no files provided"},
		{"bad min_images", map[string]string{"person_id": "R002", "min_images": "many"}, []string{"bob.jpg"}, http.StatusBadRequest, "invalid min_images"},
		{"too few faces", map[string]string{"person_id": "R002", "min_images": "2"}, []string{"bob.jpg", "wall.jpg"}, http.StatusUnprocessableEntity, ""},
		{"no faces", map[string]string{"person_id": "R003"}, []string{"wall.jpg"}, http.StatusUnprocessableEntity, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Enroll(recorder, enrollRequest(t, tc.fields, tc.files...))

			assertStatusCode(t, recorder, tc.wantStatus)
			if tc.wantError != "" {
				assertJSONError(t, recorder, tc.wantError)
			}
		})
	}

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/identities", nil))
	var list []IdentityResponse
	parseJSONResponse(t, recorder, &list)
	if len(list) != 1 || list[0].PersonID != "R001" || list[0].Embeddings != 2 {
		t.Errorf("unexpected identities: %+v", list)
	}
}

func TestIdentitiesHandler_Enroll_Mean(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewIdentitiesHandler(svc)

	recorder := httptest.NewRecorder()
	handler.Enroll(recorder, enrollRequest(t, map[string]string{"person_id": "R001", "mean": "true"}, "alice.jpg", "alice.jpg"))

	assertStatusCode(t, recorder, http.StatusCreated)
	var resp EnrollResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.Encoded != 2 || resp.Identity.Embeddings != 1 {
		t.Errorf("unexpected enrollment: %+v", resp)
	}
}

func TestIdentitiesHandler_AddEmbeddings(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewIdentitiesHandler(svc)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"ok", map[string]any{"name": "Jiří", "embeddings": [][]float32{{1, 0, 0}, {0.9, 0.1, 0}}}, http.StatusOK},
		{"wrong dimension", map[string]any{"embeddings": [][]float32{{1, 0}}}, http.StatusBadRequest},
		{"no embeddings", map[string]any{"name": "x"}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			req := jsonRequest(t, "POST", "/api/v1/identities/R010/embeddings", tc.body)
			handler.AddEmbeddings(recorder, requestWithChiParams(req, map[string]string{"id": "R010"}))
			assertStatusCode(t, recorder, tc.wantStatus)
		})
	}

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/identities?q=jiri", nil))
	var list []IdentityResponse
	parseJSONResponse(t, recorder, &list)
	if len(list) != 1 || list[0].Embeddings != 2 {
		t.Errorf("unexpected identities: %+v", list)
	}
}

func TestIdentitiesHandler_RemoveAndLedger(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewIdentitiesHandler(svc)
	enrollTestIdentity(t, svc, "R001", "Alice", "alice.jpg")

	remove := func() *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest("DELETE", "/api/v1/identities/R001", nil)
		handler.Remove(recorder, requestWithChiParams(req, map[string]string{"id": "R001"}))
		return recorder
	}

	assertStatusCode(t, remove(), http.StatusNoContent)
	assertStatusCode(t, remove(), http.StatusNotFound)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/identities/R001/ledger", nil)
	handler.Ledger(recorder, requestWithChiParams(req, map[string]string{"id": "R001"}))
	assertStatusCode(t, recorder, http.StatusOK)
	if body := recorder.Body.String(); body != "[]\n" {
		t.Errorf("expected empty ledger, got %q", body)
	}
}
