package facematch

import (
	"context"
	"fmt"
	"sort"

	"github.com/kozaktomas/smart-attendance/internal/gallery"
)

// ctxCheckInterval is how many identities are scored between context checks.
const ctxCheckInterval = 64

// Matcher matches a probe embedding against a gallery snapshot.
type Matcher interface {
	Match(ctx context.Context, probe []float32, snap *gallery.Snapshot, params Params) (Result, error)
}

// Exhaustive scores the probe against every reference embedding in the snapshot.
type Exhaustive struct{}

// NewExhaustive creates an exhaustive matcher.
func NewExhaustive() *Exhaustive {
	return &Exhaustive{}
}

// Match implements Matcher.
func (m *Exhaustive) Match(ctx context.Context, probe []float32, snap *gallery.Snapshot, params Params) (Result, error) {
	if err := checkProbe(probe, snap); err != nil {
		return Result{}, err
	}

	candidates := make([]Candidate, 0, snap.Len())
	var ctxErr error
	i := 0
	snap.Each(func(id gallery.Identity) bool {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				ctxErr = err
				return false
			}
		}
		i++
		candidates = append(candidates, scoreIdentity(probe, id))
		return true
	})
	if ctxErr != nil {
		return Result{}, fmt.Errorf("matching probe: %w", ctxErr)
	}

	return Decide(candidates, params), nil
}

// checkProbe verifies the probe has the snapshot dimension.
func checkProbe(probe []float32, snap *gallery.Snapshot) error {
	if len(probe) == 0 {
		return gallery.ErrInvalidEmbedding
	}
	if snap.Dim() > 0 && len(probe) != snap.Dim() {
		return fmt.Errorf("%w: got %d, want %d", gallery.ErrDimensionMismatch, len(probe), snap.Dim())
	}
	return nil
}

// scoreIdentity returns the identity's best (smallest) distance to the probe.
func scoreIdentity(probe []float32, id gallery.Identity) Candidate {
	best := MaxDistance
	for _, ref := range id.Embeddings {
		if d := CosineDistance(probe, ref); d < best {
			best = d
		}
	}
	return Candidate{PersonID: id.PersonID, Name: id.Name, Distance: best}
}

// Decide applies the threshold and tie rules to scored candidates.
//
// A best distance equal to the threshold is a match. When more than one
// identity lies within AmbiguityMargin of the best distance the result is
// ambiguous and nobody is selected.
func Decide(candidates []Candidate, params Params) Result {
	res := Result{
		Outcome:    OutcomeNoMatch,
		Distance:   MaxDistance,
		Confidence: Confidence(MaxDistance),
		Params:     params,
	}
	if len(candidates) == 0 {
		return res
	}

	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Distance != sorted[j].Distance {
			return sorted[i].Distance < sorted[j].Distance
		}
		return sorted[i].PersonID < sorted[j].PersonID
	})

	best := sorted[0]
	res.Distance = best.Distance
	res.Confidence = Confidence(best.Distance)

	if best.Distance > params.Threshold {
		res.Best = &best
		return res
	}

	var tied []Candidate
	for _, c := range sorted {
		if c.Distance-best.Distance > params.AmbiguityMargin {
			break
		}
		tied = append(tied, c)
	}
	if len(tied) > 1 {
		sort.Slice(tied, func(i, j int) bool { return tied[i].PersonID < tied[j].PersonID })
		res.Outcome = OutcomeAmbiguous
		res.Candidates = tied
		return res
	}

	res.Outcome = OutcomeMatch
	res.PersonID = best.PersonID
	res.Name = best.Name
	return res
}
