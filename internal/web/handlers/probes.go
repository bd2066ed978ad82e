package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/constants"
)

// ProbesHandler handles probe ingestion for a session
type ProbesHandler struct {
	service *attendance.Service
}

// NewProbesHandler creates a new probes handler
func NewProbesHandler(svc *attendance.Service) *ProbesHandler {
	return &ProbesHandler{service: svc}
}

// EmbeddingProbeRequest is the body of POST /sessions/{id}/probes/embedding
type EmbeddingProbeRequest struct {
	Embedding []float32 `json:"embedding"`
}

// Ingest accepts one captured frame as a multipart "file" field or as the raw body
func (h *ProbesHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxProbeSize)

	image, err := readProbeImage(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(image) == 0 {
		respondError(w, http.StatusBadRequest, "empty image")
		return
	}

	res, err := h.service.Ingest(r.Context(), chi.URLParam(r, "id"), image)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// IngestEmbedding accepts a precomputed embedding
func (h *ProbesHandler) IngestEmbedding(w http.ResponseWriter, r *http.Request) {
	var req EmbeddingProbeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	res, err := h.service.IngestEmbedding(r.Context(), chi.URLParam(r, "id"), req.Embedding)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func readProbeImage(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(constants.MaxProbeSize); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("missing file field")
	}
	defer file.Close()
	return io.ReadAll(file)
}
