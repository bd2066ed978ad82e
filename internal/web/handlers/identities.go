package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/constants"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

// IdentitiesHandler handles enrollment and gallery endpoints
type IdentitiesHandler struct {
	service *attendance.Service
}

// NewIdentitiesHandler creates a new identities handler
func NewIdentitiesHandler(svc *attendance.Service) *IdentitiesHandler {
	return &IdentitiesHandler{service: svc}
}

// IdentityResponse describes an enrolled identity without its embeddings
type IdentityResponse struct {
	PersonID   string    `json:"person_id"`
	Name       string    `json:"name"`
	Embeddings int       `json:"embeddings"`
	EnrolledAt time.Time `json:"enrolled_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EnrollResponse is returned by multipart enrollment
type EnrollResponse struct {
	Identity IdentityResponse `json:"identity"`
	Encoded  int              `json:"encoded"`
	Skipped  []string         `json:"skipped,omitempty"`
}

// AddEmbeddingsRequest is the body of POST /identities/{id}/embeddings
type AddEmbeddingsRequest struct {
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"embeddings"`
	Replace    bool        `json:"replace"`
}

func identityResponse(id gallery.Identity) IdentityResponse {
	return IdentityResponse{
		PersonID:   id.PersonID,
		Name:       id.Name,
		Embeddings: id.EmbeddingCount(),
		EnrolledAt: id.EnrolledAt,
		UpdatedAt:  id.UpdatedAt,
	}
}

// List returns enrolled identities, optionally filtered by ?q=
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.service.Identities(r.URL.Query().Get("q"))
	out := make([]IdentityResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, identityResponse(id))
	}
	respondJSON(w, http.StatusOK, out)
}

// Enroll encodes uploaded photos (multipart person_id, name, file[]) into reference embeddings
func (h *IdentitiesHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	personID := r.FormValue("person_id")
	if personID == "" {
		respondError(w, http.StatusBadRequest, "person_id is required")
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	opts := attendance.EnrollOptions{
		Replace: r.FormValue("replace") == "true",
		Mean:    r.FormValue("mean") == "true",
	}
	if v := r.FormValue("min_images"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid min_images")
			return
		}
		opts.MinImages = n
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		data, err := func() ([]byte, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open file: %s", fh.Filename)
			}
			defer f.Close()
			return io.ReadAll(f)
		}()
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		images = append(images, data)
	}

	res, err := h.service.Enroll(r.Context(), personID, r.FormValue("name"), images, opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	log.Printf("Enrolled %s from %d of %d photos", sanitizeForLog(personID), res.Encoded, len(images))
	respondJSON(w, http.StatusCreated, EnrollResponse{
		Identity: identityResponse(res.Identity),
		Encoded:  res.Encoded,
		Skipped:  res.Skipped,
	})
}

// AddEmbeddings enrolls precomputed embeddings
func (h *IdentitiesHandler) AddEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req AddEmbeddingsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Embeddings) == 0 {
		respondError(w, http.StatusBadRequest, "no embeddings provided")
		return
	}

	id, err := h.service.EnrollEmbeddings(r.Context(), chi.URLParam(r, "id"), req.Name, req.Embeddings, req.Replace)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identityResponse(id))
}

// Remove deletes an identity
func (h *IdentitiesHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		if !errors.Is(err, gallery.ErrIdentityNotFound) {
			log.Printf("Failed to remove identity: %v", err)
		}
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ledger returns every attendance entry recorded for a person
func (h *IdentitiesHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	entries := h.service.LedgerByPerson(chi.URLParam(r, "id"))
	if entries == nil {
		entries = []ledger.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}
