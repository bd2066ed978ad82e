// Package facematch decides which enrolled identity, if any, a probe
// embedding belongs to.
package facematch

// Outcome is the decision of the match engine for one probe.
type Outcome string

const (
	OutcomeMatch     Outcome = "match"     // Exactly one identity within the threshold
	OutcomeNoMatch   Outcome = "no_match"  // Best distance above the threshold
	OutcomeAmbiguous Outcome = "ambiguous" // Several identities tie for the best distance
)

// Params are the auditable decision parameters of a match.
type Params struct {
	// Threshold is the maximum cosine distance accepted as a match (inclusive).
	Threshold float64 `json:"threshold"`
	// AmbiguityMargin widens tie detection: identities whose best distances
	// differ by at most this value are ambiguous. Zero means exact ties only.
	AmbiguityMargin float64 `json:"ambiguity_margin"`
}

// Candidate is an identity together with its best distance to the probe.
type Candidate struct {
	PersonID string  `json:"person_id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// Result is the outcome of matching one probe against a gallery snapshot.
type Result struct {
	Outcome    Outcome     `json:"outcome"`
	PersonID   string      `json:"person_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Distance   float64     `json:"distance"`
	Confidence float64     `json:"confidence"`
	Params     Params      `json:"params"`
	Candidates []Candidate `json:"candidates,omitempty"` // Tied identities, sorted by person id
	Best       *Candidate  `json:"best,omitempty"`       // Closest identity when no match was made
}
