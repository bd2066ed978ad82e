package gallery

import "time"

// Snapshot is an immutable view of the gallery at one point in time.
type Snapshot struct {
	version    uint64
	dim        int
	identities []*Identity // sorted by PersonID
	byID       map[string]*Identity
	embeddings int
}

func newSnapshot(version uint64, dim int, list []*Identity) *Snapshot {
	sortIdentities(list)
	s := &Snapshot{
		version:    version,
		dim:        dim,
		identities: list,
		byID:       make(map[string]*Identity, len(list)),
	}
	for _, id := range list {
		s.byID[id.PersonID] = id
		s.embeddings += len(id.Embeddings)
	}
	return s
}

// with returns a builder for a snapshot where id is added or replaced.
func (s *Snapshot) with(id *Identity) func(uint64) *Snapshot {
	return func(version uint64) *Snapshot {
		list := make([]*Identity, 0, len(s.identities)+1)
		for _, cur := range s.identities {
			if cur.PersonID != id.PersonID {
				list = append(list, cur)
			}
		}
		list = append(list, id)
		return newSnapshot(version, s.dim, list)
	}
}

// without returns a builder for a snapshot where personID is removed.
func (s *Snapshot) without(personID string) func(uint64) *Snapshot {
	return func(version uint64) *Snapshot {
		list := make([]*Identity, 0, len(s.identities))
		for _, cur := range s.identities {
			if cur.PersonID != personID {
				list = append(list, cur)
			}
		}
		return newSnapshot(version, s.dim, list)
	}
}

// Version increases with every published change.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Dim returns the embedding dimension.
func (s *Snapshot) Dim() int {
	return s.dim
}

// Len returns the number of identities.
func (s *Snapshot) Len() int {
	return len(s.identities)
}

// EmbeddingCount returns the total number of reference embeddings.
func (s *Snapshot) EmbeddingCount() int {
	return s.embeddings
}

// Lookup returns the identity for personID.
func (s *Snapshot) Lookup(personID string) (Identity, bool) {
	id, ok := s.byID[personID]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// Has reports whether personID is enrolled in the snapshot.
func (s *Snapshot) Has(personID string) bool {
	_, ok := s.byID[personID]
	return ok
}

// Identities returns all identities ordered by person id.
func (s *Snapshot) Identities() []Identity {
	out := make([]Identity, len(s.identities))
	for i, id := range s.identities {
		out[i] = *id
	}
	return out
}

// Each calls fn for every identity in person id order until fn returns false.
func (s *Snapshot) Each(fn func(Identity) bool) {
	for _, id := range s.identities {
		if !fn(*id) {
			return
		}
	}
}

// EnrolledBy returns a view of the snapshot holding only the identities
// first enrolled at or before t. The version is unchanged.
func (s *Snapshot) EnrolledBy(t time.Time) *Snapshot {
	list := make([]*Identity, 0, len(s.identities))
	for _, id := range s.identities {
		if !id.EnrolledAt.After(t) {
			list = append(list, id)
		}
	}
	if len(list) == len(s.identities) {
		return s
	}
	return newSnapshot(s.version, s.dim, list)
}
