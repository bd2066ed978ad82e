package postgres

import "github.com/kozaktomas/smart-attendance/internal/database"

// Store combines the gallery, ledger and session repositories.
type Store struct {
	*GalleryRepository
	*LedgerRepository
	*SessionRepository
}

// NewStore creates a store over the pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		GalleryRepository: NewGalleryRepository(pool),
		LedgerRepository:  NewLedgerRepository(pool),
		SessionRepository: NewSessionRepository(pool),
	}
}

var _ database.Store = (*Store)(nil)
