package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
)

// ErrTooFewImages is returned when fewer images than required produced an embedding.
var ErrTooFewImages = errors.New("not enough usable images")

// EnrollOptions controls how enrollment images become reference embeddings.
type EnrollOptions struct {
	Replace   bool // Replace the existing reference set instead of appending
	Mean      bool // Store one averaged template instead of every embedding
	MinImages int  // Minimum number of images that must encode
}

// EnrollResult reports an enrollment.
type EnrollResult struct {
	Identity gallery.Identity `json:"identity"`
	Encoded  int              `json:"encoded"`
	Skipped  []string         `json:"skipped,omitempty"`
}

// Enroll encodes images and adds them to the person's reference set.
// Images without a usable face are skipped.
func (s *Service) Enroll(ctx context.Context, personID, name string, images [][]byte, opts EnrollOptions) (EnrollResult, error) {
	var res EnrollResult
	embs := make([][]float32, 0, len(images))
	for i, img := range images {
		emb, err := s.encoder.Encode(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("enrolling %s: %w", personID, err)
			}
			res.Skipped = append(res.Skipped, fmt.Sprintf("image %d: %v", i+1, err))
			continue
		}
		embs = append(embs, emb)
	}
	res.Encoded = len(embs)

	if len(embs) == 0 {
		return res, fmt.Errorf("enrolling %s: %w: no image produced an embedding", personID, encoder.ErrEncodingFailed)
	}
	if len(embs) < opts.MinImages {
		return res, fmt.Errorf("enrolling %s: %w: %d of %d required", personID, ErrTooFewImages, len(embs), opts.MinImages)
	}

	if opts.Mean {
		centroid, err := gallery.Centroid(embs)
		if err != nil {
			return res, fmt.Errorf("enrolling %s: %w", personID, err)
		}
		embs = [][]float32{centroid}
	}

	id, err := s.EnrollEmbeddings(ctx, personID, name, embs, opts.Replace)
	if err != nil {
		return res, err
	}
	res.Identity = id
	return res, nil
}

// EnrollEmbeddings adds precomputed embeddings to the person's reference
// set, or replaces the set when replace is true.
func (s *Service) EnrollEmbeddings(ctx context.Context, personID, name string, embs [][]float32, replace bool) (gallery.Identity, error) {
	prev, existed := s.gallery.Get(personID)

	var (
		id  gallery.Identity
		err error
	)
	if replace {
		id, err = s.gallery.Replace(personID, name, embs...)
	} else {
		id, err = s.gallery.Enroll(personID, name, embs...)
	}
	if err != nil {
		return gallery.Identity{}, err
	}

	if s.store != nil {
		if err := s.store.SaveIdentity(ctx, id); err != nil {
			if !existed {
				prev = gallery.Identity{PersonID: id.PersonID}
			}
			s.rollback(prev, existed)
			return gallery.Identity{}, fmt.Errorf("saving identity %s: %w", id.PersonID, err)
		}
	}

	s.events.SendEvent(Event{Type: EventIdentity, At: s.clock.Now(), Data: id})
	return id, nil
}
