// Package gallery holds enrolled identities and their reference embeddings.
//
// Writers serialize on the gallery mutex and publish a new immutable
// Snapshot; readers load the current snapshot without locking, so a match
// in flight never observes a half-updated identity.
package gallery

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/clock"
)

var (
	// ErrDimensionMismatch is returned when an embedding does not have the gallery dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInvalidEmbedding is returned for empty, zero or non-finite embeddings.
	ErrInvalidEmbedding = errors.New("invalid embedding")
	// ErrIdentityNotFound is returned when a person is not enrolled.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrInvalidPerson is returned when the person id is empty.
	ErrInvalidPerson = errors.New("person id is required")
)

// Identity is an enrolled person with one or more reference embeddings.
// Values handed out by the gallery share embedding storage with the
// snapshot and must be treated as read-only.
type Identity struct {
	PersonID   string      `json:"person_id"`
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"-"`
	EnrolledAt time.Time   `json:"enrolled_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// EmbeddingCount returns the number of reference embeddings.
func (i Identity) EmbeddingCount() int {
	return len(i.Embeddings)
}

// Gallery is the set of enrolled identities.
type Gallery struct {
	mu            sync.Mutex
	dim           int
	maxEmbeddings int
	clock         clock.Clock
	version       uint64
	current       atomic.Pointer[Snapshot]
}

// Option configures a Gallery.
type Option func(*Gallery)

// WithMaxEmbeddings caps the reference embeddings kept per identity.
// When the cap is reached the oldest embeddings are dropped. Zero means unlimited.
func WithMaxEmbeddings(n int) Option {
	return func(g *Gallery) {
		if n > 0 {
			g.maxEmbeddings = n
		}
	}
}

// WithClock sets the time source used for enrollment timestamps.
func WithClock(c clock.Clock) Option {
	return func(g *Gallery) {
		g.clock = c
	}
}

// New creates an empty gallery for embeddings of dimension dim.
func New(dim int, opts ...Option) *Gallery {
	g := &Gallery{
		dim:   dim,
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.current.Store(newSnapshot(0, dim, nil))
	return g
}

// Dim returns the embedding dimension accepted by the gallery.
func (g *Gallery) Dim() int {
	return g.dim
}

// Snapshot returns the current immutable view of the gallery.
func (g *Gallery) Snapshot() *Snapshot {
	return g.current.Load()
}

// Get returns the identity for personID from the current snapshot.
func (g *Gallery) Get(personID string) (Identity, bool) {
	return g.Snapshot().Lookup(personID)
}

// Enroll appends embeddings to the person's reference set, creating the
// identity if it does not exist. A non-empty name replaces the stored name.
func (g *Gallery) Enroll(personID, name string, embeddings ...[]float32) (Identity, error) {
	return g.write(personID, name, embeddings, false)
}

// Replace swaps the person's reference set for the given embeddings.
func (g *Gallery) Replace(personID, name string, embeddings ...[]float32) (Identity, error) {
	return g.write(personID, name, embeddings, true)
}

func (g *Gallery) write(personID, name string, embeddings [][]float32, replace bool) (Identity, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return Identity{}, ErrInvalidPerson
	}
	if len(embeddings) == 0 {
		return Identity{}, fmt.Errorf("enroll %s: %w: no embeddings", personID, ErrInvalidEmbedding)
	}

	copies := make([][]float32, 0, len(embeddings))
	for _, emb := range embeddings {
		if err := g.Validate(emb); err != nil {
			return Identity{}, fmt.Errorf("enroll %s: %w", personID, err)
		}
		copies = append(copies, append([]float32(nil), emb...))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	snap := g.current.Load()
	next := Identity{
		PersonID:   personID,
		Name:       strings.TrimSpace(name),
		EnrolledAt: now,
		UpdatedAt:  now,
	}
	if prev, ok := snap.Lookup(personID); ok {
		next.EnrolledAt = prev.EnrolledAt
		if next.Name == "" {
			next.Name = prev.Name
		}
		if !replace {
			next.Embeddings = append(next.Embeddings, prev.Embeddings...)
		}
	}
	next.Embeddings = append(next.Embeddings, copies...)
	if g.maxEmbeddings > 0 && len(next.Embeddings) > g.maxEmbeddings {
		next.Embeddings = next.Embeddings[len(next.Embeddings)-g.maxEmbeddings:]
	}
	if next.Name == "" {
		next.Name = personID
	}

	g.publish(snap.with(&next))
	return next, nil
}

// Remove deletes the identity and all its embeddings.
func (g *Gallery) Remove(personID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.current.Load()
	if _, ok := snap.Lookup(personID); !ok {
		return fmt.Errorf("remove %s: %w", personID, ErrIdentityNotFound)
	}
	g.publish(snap.without(personID))
	return nil
}

// Load replaces the gallery contents with the given identities.
// Used to restore the gallery from persistent storage at startup.
func (g *Gallery) Load(identities []Identity) error {
	list := make([]*Identity, 0, len(identities))
	for i := range identities {
		id := identities[i]
		if id.PersonID == "" {
			return ErrInvalidPerson
		}
		for _, emb := range id.Embeddings {
			if err := g.Validate(emb); err != nil {
				return fmt.Errorf("load %s: %w", id.PersonID, err)
			}
		}
		if len(id.Embeddings) == 0 {
			continue
		}
		list = append(list, &id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.version++
	g.current.Store(newSnapshot(g.version, g.dim, list))
	return nil
}

// Validate checks that emb can be stored in or matched against the gallery.
func (g *Gallery) Validate(emb []float32) error {
	if len(emb) == 0 {
		return ErrInvalidEmbedding
	}
	if g.dim > 0 && len(emb) != g.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), g.dim)
	}
	var norm float64
	for _, v := range emb {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidEmbedding)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrInvalidEmbedding)
	}
	return nil
}

// publish must be called with g.mu held.
func (g *Gallery) publish(build func(version uint64) *Snapshot) {
	g.version++
	g.current.Store(build(g.version))
}

// sortIdentities orders identities by person id.
func sortIdentities(list []*Identity) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].PersonID < list[j].PersonID
	})
}
