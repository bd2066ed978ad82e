package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const defaultEmbeddingURL = "http://localhost:8000"

// FaceDetection is a single face found by the embedding server.
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse is the response of the face embedding endpoint.
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Client encodes faces using an HTTP embedding server.
type Client struct {
	baseURL      string
	dim          int
	maxImageSize int
	client       *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithMaxImageSize downscales images whose longer edge exceeds size before upload.
func WithMaxImageSize(size int) ClientOption {
	return func(c *Client) { c.maxImageSize = size }
}

// NewClient creates a client for the embedding server at baseURL.
// A dim of zero disables the embedding length check.
func NewClient(baseURL string, dim int, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode implements Encoder. When several faces are detected the one with
// the highest detection score is used.
func (c *Client) Encode(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrEncodingFailed)
	}

	if c.maxImageSize > 0 {
		resized, err := ResizeImage(image, c.maxImageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
		}
		image = resized
	}

	resp, err := c.DetectFaces(ctx, image)
	if err != nil {
		return nil, classify(ctx, err)
	}

	face, ok := BestFace(resp.Faces)
	if !ok {
		return nil, fmt.Errorf("%w: no face detected", ErrEncodingFailed)
	}
	if len(face.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrEncodingFailed)
	}
	if c.dim > 0 && len(face.Embedding) != c.dim {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrEncodingFailed, len(face.Embedding), c.dim)
	}
	return face.Embedding, nil
}

// DetectFaces posts the image to the face endpoint and returns every detection.
func (c *Client) DetectFaces(ctx context.Context, image []byte) (*FaceResponse, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", image)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &faceResp, nil
}

// BestFace returns the detection with the highest score.
func BestFace(faces []FaceDetection) (FaceDetection, bool) {
	if len(faces) == 0 {
		return FaceDetection{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.DetScore > best.DetScore {
			best = f
		}
	}
	return best, true
}

// postMultipartImage posts the image as the "file" form field.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", DetectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		// The server rejects images it cannot decode.
		return nil, fmt.Errorf("%w: server rejected image (status %d): %s", ErrEncodingFailed, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
}

// DetectMIMEType detects the MIME type from image magic bytes.
func DetectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// BMP: 42 4D
	if data[0] == 0x42 && data[1] == 0x4D {
		return "image/bmp"
	}
	return "application/octet-stream"
}
