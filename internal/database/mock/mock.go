// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/kozaktomas/smart-attendance/internal/database"
	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// MockStore is an in-memory implementation of database.Store
type MockStore struct {
	mu         sync.RWMutex
	identities map[string]gallery.Identity
	entries    []ledger.Entry
	sessions   map[string]session.Info

	// Error injection
	SaveIdentityError   error
	DeleteIdentityError error
	LoadIdentitiesError error
	SaveEntryError      error
	LoadLedgerError     error
	SaveSessionError    error
	LoadSessionsError   error
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		identities: make(map[string]gallery.Identity),
		sessions:   make(map[string]session.Info),
	}
}

// SaveIdentity stores a copy of the identity
func (m *MockStore) SaveIdentity(ctx context.Context, id gallery.Identity) error {
	if m.SaveIdentityError != nil {
		return m.SaveIdentityError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	embs := make([][]float32, len(id.Embeddings))
	for i, e := range id.Embeddings {
		embs[i] = append([]float32(nil), e...)
	}
	id.Embeddings = embs
	m.identities[id.PersonID] = id
	return nil
}

// DeleteIdentity removes an identity
func (m *MockStore) DeleteIdentity(ctx context.Context, personID string) error {
	if m.DeleteIdentityError != nil {
		return m.DeleteIdentityError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, personID)
	return nil
}

// LoadIdentities returns all identities sorted by person id
func (m *MockStore) LoadIdentities(ctx context.Context) ([]gallery.Identity, error) {
	if m.LoadIdentitiesError != nil {
		return nil, m.LoadIdentitiesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gallery.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out, nil
}

// CountIdentities returns the number of identities
func (m *MockStore) CountIdentities(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities), nil
}

// NearestIdentities ranks identities by brute-force cosine distance
func (m *MockStore) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.IdentityDistance, error) {
	ids, err := m.LoadIdentities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]database.IdentityDistance, 0, len(ids))
	for _, id := range ids {
		best := facematch.MaxDistance
		for _, e := range id.Embeddings {
			best = min(best, facematch.CosineDistance(embedding, e))
		}
		out = append(out, database.IdentityDistance{PersonID: id.PersonID, Name: id.Name, Distance: best})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveLedgerEntry appends an entry
func (m *MockStore) SaveLedgerEntry(ctx context.Context, e ledger.Entry) error {
	if m.SaveEntryError != nil {
		return m.SaveEntryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// LoadLedger returns all entries in append order
func (m *MockStore) LoadLedger(ctx context.Context) ([]ledger.Entry, error) {
	if m.LoadLedgerError != nil {
		return nil, m.LoadLedgerError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Entry(nil), m.entries...), nil
}

// SaveSession inserts or replaces a session. Closed sessions are never replaced.
func (m *MockStore) SaveSession(ctx context.Context, info session.Info) error {
	if m.SaveSessionError != nil {
		return m.SaveSessionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[info.ID]; ok && prev.State == session.StateClosed {
		return nil
	}
	m.sessions[info.ID] = info
	return nil
}

// LoadSessions returns all sessions ordered by creation time
func (m *MockStore) LoadSessions(ctx context.Context) ([]session.Info, error) {
	if m.LoadSessionsError != nil {
		return nil, m.LoadSessionsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Session returns the stored session with the given id
func (m *MockStore) Session(id string) (session.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[id]
	return info, ok
}

// Identity returns the stored identity with the given id
func (m *MockStore) Identity(personID string) (gallery.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[personID]
	return id, ok
}

var _ database.Store = (*MockStore)(nil)
