package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/smart-attendance/internal/clock"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
)

// Manager is the registry of sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	gallery       GallerySource
	ledger        Ledger
	clock         clock.Clock
	maxRejections int
	onChange      func(Info)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock sets the time source.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithMaxRejections caps each session's rejection log.
func WithMaxRejections(n int) ManagerOption {
	return func(m *Manager) { m.maxRejections = n }
}

// WithOnChange registers a callback invoked after every state transition.
func WithOnChange(fn func(Info)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager creates a session registry backed by a gallery and a ledger.
func NewManager(g GallerySource, l Ledger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		gallery:  g,
		ledger:   l,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock {
	return m.clock
}

// Create registers a new pending session. An empty ID is replaced with a UUID.
func (m *Manager) Create(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, cfg.ID)
	}
	s := newSession(cfg, m.clock.Now(), m.gallery, m.ledger, m.maxRejections)
	s.onChange = m.onChange
	m.sessions[cfg.ID] = s
	return s, nil
}

// Restore re-registers a persisted session. Open sessions pin the current
// gallery snapshot narrowed to identities enrolled by the time the session
// opened; present lists person ids with their ledger entry ids.
func (m *Manager) Restore(info Info, present map[string]string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[info.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, info.ID)
	}
	s := newSession(Config{
		ID:              info.ID,
		Threshold:       info.Params.Threshold,
		AmbiguityMargin: info.Params.AmbiguityMargin,
		StartAt:         info.StartAt,
		EndAt:           info.EndAt,
	}, info.CreatedAt, m.gallery, m.ledger, m.maxRejections)
	s.state = info.State
	s.reason = info.CloseReason
	s.opened = info.OpenedAt
	s.closed = info.ClosedAt
	for person, entryID := range present {
		s.present[person] = entryID
	}
	if s.state == StateOpen {
		s.snap = m.gallery.Snapshot()
		if !info.OpenedAt.IsZero() {
			s.snap = s.snap.EnrolledBy(info.OpenedAt)
		}
	}
	s.onChange = m.onChange
	m.sessions[info.ID] = s
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns every session ordered by creation time, then id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].created.Equal(out[j].created) {
			return out[i].created.Before(out[j].created)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Open opens the session with the given id at the current time.
func (m *Manager) Open(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s, s.Open(m.clock.Now())
}

// Close closes the session with the given id at the current time.
func (m *Manager) Close(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s, s.Close(m.clock.Now())
}

// Cancel cancels the session with the given id at the current time.
func (m *Manager) Cancel(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s, s.Cancel(m.clock.Now())
}

// ExpireDue closes every session whose end time has elapsed and returns them.
func (m *Manager) ExpireDue(now time.Time) []*Session {
	var expired []*Session
	for _, s := range m.List() {
		if s.Expire(now) {
			expired = append(expired, s)
		}
	}
	return expired
}

// OpenDue opens every pending session whose start time has arrived.
// Sessions that are already past their end time are expired instead.
func (m *Manager) OpenDue(now time.Time) []*Session {
	var opened []*Session
	for _, s := range m.List() {
		if !s.StartDue(now) {
			continue
		}
		if err := s.Open(now); err == nil {
			opened = append(opened, s)
		}
	}
	return opened
}

// Counts returns the number of sessions per state.
func (m *Manager) Counts() map[State]int {
	counts := map[State]int{StatePending: 0, StateOpen: 0, StateClosed: 0}
	for _, s := range m.List() {
		counts[s.State()]++
	}
	return counts
}

var _ GallerySource = (*gallery.Gallery)(nil)
