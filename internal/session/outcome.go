package session

import (
	"time"

	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

// Outcome is the result of processing one probe.
type Outcome string

const (
	OutcomeMarked          Outcome = "marked"           // New ledger entry recorded
	OutcomeAlreadyPresent  Outcome = "already_present"  // Person was already marked in this session
	OutcomeNoMatch         Outcome = "no_match"         // Nobody within the threshold
	OutcomeAmbiguous       Outcome = "ambiguous"        // Several identities tie
	OutcomeEncodingFailed  Outcome = "encoding_failed"  // No usable face in the image
	OutcomeEncodingTimeout Outcome = "encoding_timeout" // Per-probe deadline expired
	OutcomeSessionClosed   Outcome = "session_closed"   // Session no longer accepts probes
	OutcomeSessionNotOpen  Outcome = "session_not_open" // Session has not been opened yet
	OutcomeInvalidProbe    Outcome = "invalid_probe"    // Embedding unusable for this gallery
	OutcomeError           Outcome = "error"            // Internal failure, e.g. ledger store
)

// ProbeResult reports what happened to one probe.
type ProbeResult struct {
	SessionID  string            `json:"session_id"`
	Outcome    Outcome           `json:"outcome"`
	PersonID   string            `json:"person_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Confidence float64           `json:"confidence"`
	Distance   float64           `json:"distance"`
	At         time.Time         `json:"at"`
	EntryID    string            `json:"entry_id,omitempty"`
	Entry      *ledger.Entry     `json:"entry,omitempty"`
	Match      *facematch.Result `json:"match,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Rejection is the diagnostic kept for a probe that produced no ledger entry.
type Rejection struct {
	SessionID    string    `json:"session_id"`
	At           time.Time `json:"at"`
	Reason       Outcome   `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	BestPersonID string    `json:"best_person_id,omitempty"`
	BestDistance float64   `json:"best_distance,omitempty"`
}

func rejectionFor(r ProbeResult) Rejection {
	rej := Rejection{
		SessionID: r.SessionID,
		At:        r.At,
		Reason:    r.Outcome,
		Detail:    r.Error,
	}
	switch {
	case r.PersonID != "":
		rej.BestPersonID = r.PersonID
		rej.BestDistance = r.Distance
	case r.Match != nil && r.Match.Best != nil:
		rej.BestPersonID = r.Match.Best.PersonID
		rej.BestDistance = r.Match.Best.Distance
	case r.Match != nil && len(r.Match.Candidates) > 0:
		rej.BestPersonID = r.Match.Candidates[0].PersonID
		rej.BestDistance = r.Match.Candidates[0].Distance
	}
	return rej
}
