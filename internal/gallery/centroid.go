package gallery

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Centroid averages embeddings and L2-normalizes the result. It produces a
// single template per person when enrolling from several photos.
func Centroid(embeddings [][]float32) ([]float32, error) {
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings", ErrInvalidEmbedding)
	}

	dim := len(embeddings[0])
	sum := make([]float64, dim)
	row := make([]float64, dim)
	for _, emb := range embeddings {
		if len(emb) != dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), dim)
		}
		for i, v := range emb {
			row[i] = float64(v)
		}
		floats.Add(sum, row)
	}
	floats.Scale(1/float64(len(embeddings)), sum)

	norm := floats.Norm(sum, 2)
	if norm == 0 {
		return nil, fmt.Errorf("%w: zero centroid", ErrInvalidEmbedding)
	}
	floats.Scale(1/norm, sum)

	out := make([]float32, dim)
	for i, v := range sum {
		out[i] = float32(v)
	}
	return out, nil
}
