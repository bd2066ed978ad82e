// Package session implements the attendance session state machine and the
// probe pipeline that feeds it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionNotOpen    = errors.New("session not open")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidConfig     = errors.New("invalid session config")
	ErrUnknownIdentity   = errors.New("identity not in session gallery")
)

// DefaultMaxRejections caps the rejection log of a session.
const DefaultMaxRejections = 1000

// State of a session.
type State string

const (
	StatePending State = "pending"
	StateOpen    State = "open"
	StateClosed  State = "closed"
)

// CloseReason tells how a session reached the closed state.
type CloseReason string

const (
	ReasonClosed    CloseReason = "closed"
	ReasonCancelled CloseReason = "cancelled"
	ReasonExpired   CloseReason = "expired"
)

// GallerySource provides the gallery snapshot pinned when a session opens.
type GallerySource interface {
	Snapshot() *gallery.Snapshot
}

// Ledger records attendance entries. Record never stamps an entry before
// the newest entry of its session.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
}

// Config describes a session to create.
type Config struct {
	ID              string
	Threshold       float64
	AmbiguityMargin float64
	StartAt         time.Time // Zero means opened manually
	EndAt           time.Time // Zero means open-ended
}

// Validate checks the decision parameters and time window.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > facematch.MaxDistance {
		return fmt.Errorf("%w: threshold %.4f outside [0, %.0f]", ErrInvalidConfig, c.Threshold, facematch.MaxDistance)
	}
	if c.AmbiguityMargin < 0 {
		return fmt.Errorf("%w: negative ambiguity margin", ErrInvalidConfig)
	}
	if !c.StartAt.IsZero() && !c.EndAt.IsZero() && !c.EndAt.After(c.StartAt) {
		return fmt.Errorf("%w: end_at must be after start_at", ErrInvalidConfig)
	}
	return nil
}

// Info is a point-in-time view of a session.
type Info struct {
	ID                string           `json:"id"`
	State             State            `json:"state"`
	CloseReason       CloseReason      `json:"close_reason,omitempty"`
	Params            facematch.Params `json:"params"`
	CreatedAt         time.Time        `json:"created_at"`
	OpenedAt          time.Time        `json:"opened_at,omitzero"`
	ClosedAt          time.Time        `json:"closed_at,omitzero"`
	StartAt           time.Time        `json:"start_at,omitzero"`
	EndAt             time.Time        `json:"end_at,omitzero"`
	GalleryVersion    uint64           `json:"gallery_version"`
	GallerySize       int              `json:"gallery_size"`
	PresentCount      int              `json:"present_count"`
	RejectionCount    int              `json:"rejection_count"`
	DroppedRejections int              `json:"dropped_rejections"`
}

// Session is one attendance session. All state changes serialise on the
// session mutex; marking a person present is the only way to add to the
// present set.
type Session struct {
	mu sync.Mutex

	id      string
	params  facematch.Params
	state   State
	reason  CloseReason
	created time.Time
	opened  time.Time
	closed  time.Time
	startAt time.Time
	endAt   time.Time

	snap    *gallery.Snapshot
	present map[string]string // person id -> ledger entry id

	rejections    []Rejection
	dropped       int
	maxRejections int

	gallery  GallerySource
	ledger   Ledger
	onChange func(Info)
	dirty    bool

	// revision counts state changes; notifyMu orders their delivery and
	// delivered is the newest revision handed to onChange.
	revision  uint64
	notifyMu  sync.Mutex
	delivered uint64
}

func newSession(cfg Config, now time.Time, g GallerySource, l Ledger, maxRejections int) *Session {
	if maxRejections <= 0 {
		maxRejections = DefaultMaxRejections
	}
	return &Session{
		id:            cfg.ID,
		params:        facematch.Params{Threshold: cfg.Threshold, AmbiguityMargin: cfg.AmbiguityMargin},
		state:         StatePending,
		created:       now,
		startAt:       cfg.StartAt,
		endAt:         cfg.EndAt,
		present:       make(map[string]string),
		maxRejections: maxRejections,
		gallery:       g,
		ledger:        l,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Params returns the decision parameters used for every probe.
func (s *Session) Params() facematch.Params {
	return s.params
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:                s.id,
		State:             s.state,
		CloseReason:       s.reason,
		Params:            s.params,
		CreatedAt:         s.created,
		OpenedAt:          s.opened,
		ClosedAt:          s.closed,
		StartAt:           s.startAt,
		EndAt:             s.endAt,
		PresentCount:      len(s.present),
		RejectionCount:    len(s.rejections),
		DroppedRejections: s.dropped,
	}
	if s.snap != nil {
		info.GalleryVersion = s.snap.Version()
		info.GallerySize = s.snap.Len()
	}
	return info
}

// unlock releases the mutex and reports a state change to the observer.
// Changes reach the observer in revision order; a change overtaken by a
// newer one before delivery is skipped.
func (s *Session) unlock() {
	var (
		info Info
		rev  uint64
	)
	changed := s.dirty && s.onChange != nil
	if changed {
		s.revision++
		rev = s.revision
		info = s.infoLocked()
	}
	s.dirty = false
	s.mu.Unlock()
	if !changed {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if rev <= s.delivered {
		return
	}
	s.delivered = rev
	s.onChange(info)
}

// Open moves a pending session to open and pins the current gallery
// snapshot. A session whose end time has already passed is closed as
// expired instead.
func (s *Session) Open(now time.Time) error {
	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	case StateOpen:
		return fmt.Errorf("%w: %s is already open", ErrInvalidTransition, s.id)
	}
	if s.dueLocked(now) {
		s.closeLocked(ReasonExpired, s.endAt)
		return fmt.Errorf("%w: %s expired before opening", ErrSessionClosed, s.id)
	}

	s.snap = s.gallery.Snapshot()
	s.state = StateOpen
	s.opened = now
	s.dirty = true
	return nil
}

// Close ends the session. Closing a pending session cancels it.
func (s *Session) Close(now time.Time) error {
	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	case StatePending:
		s.closeLocked(ReasonCancelled, now)
	default:
		s.closeLocked(ReasonClosed, now)
	}
	return nil
}

// Cancel ends a pending or open session as cancelled.
func (s *Session) Cancel(now time.Time) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	s.closeLocked(ReasonCancelled, now)
	return nil
}

// Expire closes the session as expired when its end time has elapsed.
// It reports whether the session was expired by this call.
func (s *Session) Expire(now time.Time) bool {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateClosed || !s.dueLocked(now) {
		return false
	}
	s.closeLocked(ReasonExpired, s.endAt)
	return true
}

// StartDue reports whether a pending session has a start time that has arrived.
func (s *Session) StartDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePending && !s.startAt.IsZero() && !now.Before(s.startAt)
}

func (s *Session) dueLocked(now time.Time) bool {
	return !s.endAt.IsZero() && !now.Before(s.endAt)
}

func (s *Session) closeLocked(reason CloseReason, at time.Time) {
	s.state = StateClosed
	s.reason = reason
	s.closed = at
	s.dirty = true
}

// checkOpenLocked returns nil when probes are accepted at now.
func (s *Session) checkOpenLocked(now time.Time) error {
	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	case StatePending:
		return fmt.Errorf("%w: %s", ErrSessionNotOpen, s.id)
	}
	if s.dueLocked(now) {
		s.closeLocked(ReasonExpired, s.endAt)
		return fmt.Errorf("%w: %s expired", ErrSessionClosed, s.id)
	}
	return nil
}

// MatchTarget returns the pinned gallery snapshot and decision parameters
// for matching a probe at now.
func (s *Session) MatchTarget(now time.Time) (*gallery.Snapshot, facematch.Params, error) {
	s.mu.Lock()
	defer s.unlock()

	if err := s.checkOpenLocked(now); err != nil {
		return nil, facematch.Params{}, err
	}
	return s.snap, s.params, nil
}

// Commit applies a match result at now. A match for a person not yet
// present appends a ledger entry and then adds the person to the present
// set; if the ledger refuses the entry nothing changes. Every other result
// is kept in the rejection log.
func (s *Session) Commit(ctx context.Context, res facematch.Result, now time.Time) (ProbeResult, error) {
	s.mu.Lock()
	defer s.unlock()

	out := ProbeResult{
		SessionID:  s.id,
		At:         now,
		Confidence: res.Confidence,
		Distance:   res.Distance,
		Match:      &res,
	}

	if err := s.checkOpenLocked(now); err != nil {
		out.Outcome = OutcomeFor(err)
		out.Error = err.Error()
		s.rejectLocked(out)
		return out, err
	}

	switch res.Outcome {
	case facematch.OutcomeNoMatch:
		out.Outcome = OutcomeNoMatch
		s.rejectLocked(out)
		return out, nil
	case facematch.OutcomeAmbiguous:
		out.Outcome = OutcomeAmbiguous
		s.rejectLocked(out)
		return out, nil
	}

	out.PersonID = res.PersonID
	out.Name = res.Name

	if s.snap == nil || !s.snap.Has(res.PersonID) {
		err := fmt.Errorf("%w: %s", ErrUnknownIdentity, res.PersonID)
		out.Outcome = OutcomeInvalidProbe
		out.Error = err.Error()
		s.rejectLocked(out)
		return out, err
	}

	if entryID, ok := s.present[res.PersonID]; ok {
		out.Outcome = OutcomeAlreadyPresent
		out.EntryID = entryID
		s.rejectLocked(out)
		return out, nil
	}

	entry, err := s.ledger.Record(ctx, ledger.Entry{
		SessionID:  s.id,
		PersonID:   res.PersonID,
		Name:       res.Name,
		Timestamp:  now,
		Confidence: res.Confidence,
		Distance:   res.Distance,
	})
	if err != nil {
		out.Outcome = OutcomeError
		out.Error = err.Error()
		s.rejectLocked(out)
		return out, fmt.Errorf("recording attendance: %w", err)
	}

	s.present[res.PersonID] = entry.ID
	out.At = entry.Timestamp
	out.Outcome = OutcomeMarked
	out.EntryID = entry.ID
	out.Entry = &entry
	return out, nil
}

// Reject records a probe that failed before reaching Commit.
func (s *Session) Reject(r ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectLocked(r)
}

func (s *Session) rejectLocked(r ProbeResult) {
	if len(s.rejections) >= s.maxRejections {
		copy(s.rejections, s.rejections[1:])
		s.rejections = s.rejections[:len(s.rejections)-1]
		s.dropped++
	}
	s.rejections = append(s.rejections, rejectionFor(r))
}

// Rejections returns the rejection log, oldest first, and how many older
// rejections were dropped from it.
func (s *Session) Rejections() ([]Rejection, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rejection(nil), s.rejections...), s.dropped
}

// Present returns the ids of people marked present, sorted.
func (s *Session) Present() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.present))
	for id := range s.present {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsPresent reports whether personID was marked in this session.
func (s *Session) IsPresent(personID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.present[personID]
	return ok
}

// OutcomeFor maps a session or encoder error to a probe outcome.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionClosed):
		return OutcomeSessionClosed
	case errors.Is(err, ErrSessionNotOpen):
		return OutcomeSessionNotOpen
	default:
		return OutcomeError
	}
}
