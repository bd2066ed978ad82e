// Package ledger keeps the append-only record of attendance entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrOutOfOrderEntry is returned when an entry is older than the last entry of its session.
	ErrOutOfOrderEntry = errors.New("out of order ledger entry")
	// ErrEntryNotFound is returned when a referenced entry does not exist.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrDuplicateEntry is returned when an entry id is already recorded.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
	// ErrAlreadySuperseded is returned when correcting an entry that was already corrected.
	ErrAlreadySuperseded = errors.New("ledger entry already superseded")
	// ErrInvalidEntry is returned for entries missing a session or person.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// Entry is one immutable attendance record.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	PersonID   string    `json:"person_id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Distance   float64   `json:"distance"`
	Supersedes string    `json:"supersedes,omitempty"` // Entry retracted by this correction
	Note       string    `json:"note,omitempty"`
}

// IsCorrection reports whether the entry retracts an earlier one.
func (e Entry) IsCorrection() bool {
	return e.Supersedes != ""
}

// Store persists ledger entries. An entry is only recorded in memory after
// the store accepted it.
type Store interface {
	SaveLedgerEntry(ctx context.Context, e Entry) error
}

// Ledger is an in-memory, append-only ledger safe for concurrent use.
type Ledger struct {
	mu           sync.RWMutex
	entries      []Entry
	byID         map[string]int
	bySession    map[string][]int
	byPerson     map[string][]int
	lastSeen     map[string]time.Time // session id -> newest timestamp
	supersededBy map[string]string
	store        Store
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore writes every entry through to s before it is recorded.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		byID:         make(map[string]int),
		bySession:    make(map[string][]int),
		byPerson:     make(map[string][]int),
		lastSeen:     make(map[string]time.Time),
		supersededBy: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an entry. Entries must not be older than the newest entry
// of the same session; equal timestamps are accepted. An empty ID is
// replaced with a new UUID. The stored entry is returned.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, e)
}

// Record appends an entry stamped at the later of its own timestamp and the
// newest entry of its session. Concurrent writers that read the clock
// before taking the ledger lock therefore never fail as out of order.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Timestamp = l.notBeforeLocked(e.SessionID, e.Timestamp)
	return l.appendLocked(ctx, e)
}

func (l *Ledger) notBeforeLocked(sessionID string, at time.Time) time.Time {
	if last, ok := l.lastSeen[sessionID]; ok && at.Before(last) {
		return last
	}
	return at
}

func (l *Ledger) appendLocked(ctx context.Context, e Entry) (Entry, error) {
	if e.SessionID == "" || e.PersonID == "" {
		return Entry{}, fmt.Errorf("%w: session and person are required", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := l.byID[e.ID]; ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	if last, ok := l.lastSeen[e.SessionID]; ok && e.Timestamp.Before(last) {
		return Entry{}, fmt.Errorf("%w: %s is before %s in session %s",
			ErrOutOfOrderEntry, e.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano), e.SessionID)
	}
	if e.Supersedes != "" {
		if err := l.checkSupersedable(e.Supersedes); err != nil {
			return Entry{}, err
		}
	}

	if l.store != nil {
		if err := l.store.SaveLedgerEntry(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("persisting ledger entry: %w", err)
		}
	}

	l.record(e)
	return e, nil
}

func (l *Ledger) checkSupersedable(id string) error {
	idx, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if l.entries[idx].IsCorrection() {
		return fmt.Errorf("%w: %s is itself a correction", ErrInvalidEntry, id)
	}
	if by, ok := l.supersededBy[id]; ok {
		return fmt.Errorf("%w: %s by %s", ErrAlreadySuperseded, id, by)
	}
	return nil
}

func (l *Ledger) record(e Entry) {
	idx := len(l.entries)
	l.entries = append(l.entries, e)
	l.byID[e.ID] = idx
	l.bySession[e.SessionID] = append(l.bySession[e.SessionID], idx)
	l.byPerson[e.PersonID] = append(l.byPerson[e.PersonID], idx)
	if last, ok := l.lastSeen[e.SessionID]; !ok || e.Timestamp.After(last) {
		l.lastSeen[e.SessionID] = e.Timestamp
	}
	if e.Supersedes != "" {
		l.supersededBy[e.Supersedes] = e.ID
	}
}

// Load replaces the ledger contents with previously persisted entries
// without writing them to the store. Entries are applied in timestamp order.
func (l *Ledger) Load(entries []Entry) error {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	fresh := New()
	for _, e := range sorted {
		if _, err := fresh.appendLocked(context.Background(), e); err != nil {
			return fmt.Errorf("loading entry %s: %w", e.ID, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = fresh.entries
	l.byID = fresh.byID
	l.bySession = fresh.bySession
	l.byPerson = fresh.byPerson
	l.lastSeen = fresh.lastSeen
	l.supersededBy = fresh.supersededBy
	return nil
}

// Supersede appends a correction retracting entryID. The correction keeps
// the session and person of the original entry and, like Record, is never
// stamped before the newest entry of that session.
func (l *Ledger) Supersede(ctx context.Context, entryID, note string, at time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[entryID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	orig := l.entries[idx]
	return l.appendLocked(ctx, Entry{
		SessionID:  orig.SessionID,
		PersonID:   orig.PersonID,
		Name:       orig.Name,
		Timestamp:  l.notBeforeLocked(orig.SessionID, at),
		Supersedes: orig.ID,
		Note:       note,
	})
}

// Get returns the entry with the given id.
func (l *Ledger) Get(entryID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[entryID]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// Query returns every entry of a session ordered by timestamp, then person id.
func (l *Ledger) Query(sessionID string) []Entry {
	l.mu.RLock()
	out := l.collect(l.bySession[sessionID])
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out
}

// QueryByPerson returns every entry of a person ordered by timestamp, then session id.
func (l *Ledger) QueryByPerson(personID string) []Entry {
	l.mu.RLock()
	out := l.collect(l.byPerson[personID])
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Effective returns the session's attendance after corrections: entries
// that were not retracted, without the corrections themselves.
func (l *Ledger) Effective(sessionID string) []Entry {
	all := l.Query(sessionID)

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.IsCorrection() {
			continue
		}
		if _, retracted := l.supersededBy[e.ID]; retracted {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Retracted reports whether a correction supersedes the entry.
func (l *Ledger) Retracted(entryID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.supersededBy[entryID]
	return ok
}

// Len returns the total number of entries, corrections included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Recent returns up to n of the most recently appended entries, newest first.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

func (l *Ledger) collect(idxs []int) []Entry {
	out := make([]Entry, len(idxs))
	for i, idx := range idxs {
		out[i] = l.entries[idx]
	}
	return out
}
