package database

import (
	"context"

	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// GalleryReader provides read-only access to enrolled identities
type GalleryReader interface {
	// LoadIdentities returns every identity with its reference embeddings
	LoadIdentities(ctx context.Context) ([]gallery.Identity, error)
	// CountIdentities returns the number of enrolled identities
	CountIdentities(ctx context.Context) (int, error)
	// NearestIdentities returns identities ordered by their closest reference embedding
	NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]IdentityDistance, error)
}

// GalleryWriter provides write access to enrolled identities
type GalleryWriter interface {
	GalleryReader

	// SaveIdentity stores an identity, replacing its previous reference embeddings
	SaveIdentity(ctx context.Context, id gallery.Identity) error
	// DeleteIdentity removes an identity and its embeddings. Ledger entries are kept.
	DeleteIdentity(ctx context.Context, personID string) error
}

// LedgerReader provides read-only access to attendance entries
type LedgerReader interface {
	// LoadLedger returns every ledger entry ordered by timestamp
	LoadLedger(ctx context.Context) ([]ledger.Entry, error)
}

// LedgerWriter provides append access to attendance entries
type LedgerWriter interface {
	LedgerReader
	ledger.Store
}

// SessionReader provides read-only access to attendance sessions
type SessionReader interface {
	// LoadSessions returns every stored session ordered by creation time
	LoadSessions(ctx context.Context) ([]session.Info, error)
}

// SessionWriter provides write access to attendance sessions
type SessionWriter interface {
	SessionReader

	// SaveSession inserts or updates a session
	SaveSession(ctx context.Context, info session.Info) error
}

// Store is the complete persistence surface of the attendance service
type Store interface {
	GalleryWriter
	LedgerWriter
	SessionWriter
}
