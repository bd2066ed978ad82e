package facematch

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
)

// HNSW index parameters for face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// so tied identities are rescored together.
	HNSWSearchMultiplier = 3

	// DefaultIndexMinEmbeddings is the gallery size below which the exhaustive
	// scan is used even when the index is enabled.
	DefaultIndexMinEmbeddings = 512
)

// faceIndex is an HNSW graph over every reference embedding of one snapshot.
type faceIndex struct {
	snap   *gallery.Snapshot
	graph  *hnsw.Graph[int]
	owners []gallery.Identity // node key -> identity
}

// Indexed shortlists identities with an HNSW graph and rescores their
// reference embeddings exactly, so threshold and tie rules match Exhaustive.
// The graph is built lazily per snapshot.
type Indexed struct {
	// Shortlist is the number of identities to rescore per probe.
	Shortlist int
	// MinEmbeddings is the snapshot size below which the exhaustive scan is used.
	MinEmbeddings int

	fallback Exhaustive
	mu       sync.Mutex
	index    *faceIndex
}

// NewIndexed creates an HNSW-backed matcher.
func NewIndexed(shortlist int) *Indexed {
	if shortlist <= 0 {
		shortlist = 10
	}
	return &Indexed{
		Shortlist:     shortlist,
		MinEmbeddings: DefaultIndexMinEmbeddings,
	}
}

// Match implements Matcher.
func (m *Indexed) Match(ctx context.Context, probe []float32, snap *gallery.Snapshot, params Params) (Result, error) {
	if snap.EmbeddingCount() < m.MinEmbeddings {
		return m.fallback.Match(ctx, probe, snap, params)
	}
	if err := checkProbe(probe, snap); err != nil {
		return Result{}, err
	}
	if snap.EmbeddingCount() == 0 {
		return Decide(nil, params), nil
	}

	idx := m.indexFor(snap)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("matching probe: %w", err)
	}

	k := m.Shortlist * HNSWSearchMultiplier
	neighbors := idx.graph.Search(probe, k)

	seen := make(map[string]bool, m.Shortlist)
	candidates := make([]Candidate, 0, m.Shortlist)
	for _, n := range neighbors {
		owner := idx.owners[n.Key]
		if seen[owner.PersonID] {
			continue
		}
		seen[owner.PersonID] = true
		candidates = append(candidates, scoreIdentity(probe, owner))
		if len(candidates) >= m.Shortlist {
			break
		}
	}

	return Decide(candidates, params), nil
}

// indexFor returns the graph for snap, building it if the cached one is stale.
func (m *Indexed) indexFor(snap *gallery.Snapshot) *faceIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index != nil && m.index.snap == snap {
		return m.index
	}

	g := hnsw.NewGraph[int]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance

	idx := &faceIndex{
		snap:   snap,
		graph:  g,
		owners: make([]gallery.Identity, 0, snap.EmbeddingCount()),
	}
	snap.Each(func(id gallery.Identity) bool {
		for _, emb := range id.Embeddings {
			g.Add(hnsw.MakeNode(len(idx.owners), emb))
			idx.owners = append(idx.owners, id)
		}
		return true
	})

	m.index = idx
	return idx
}

// NewMatcher returns the matcher selected by name ("exhaustive" or "hnsw").
func NewMatcher(kind string, shortlist int) (Matcher, error) {
	switch kind {
	case "", "exhaustive":
		return NewExhaustive(), nil
	case "hnsw":
		return NewIndexed(shortlist), nil
	default:
		return nil, fmt.Errorf("unknown match index %q", kind)
	}
}
