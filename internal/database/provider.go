package database

import (
	"context"
	"fmt"
	"sync"
)

var (
	backendMu    sync.RWMutex
	storeFactory func() Store
)

// RegisterPostgresBackend registers the PostgreSQL store constructor.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(factory func() Store) {
	backendMu.Lock()
	defer backendMu.Unlock()
	storeFactory = factory
}

// IsInitialized returns whether a storage backend has been registered.
func IsInitialized() bool {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return storeFactory != nil
}

// GetStore returns the registered attendance store
func GetStore(ctx context.Context) (Store, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if storeFactory == nil {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	return storeFactory(), nil
}
