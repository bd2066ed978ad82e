package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/config"
	"github.com/kozaktomas/smart-attendance/internal/database"
	"github.com/kozaktomas/smart-attendance/internal/database/postgres"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
)

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore connects to PostgreSQL when DATABASE_URL is set. A nil store
// means the caller runs in memory.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	if cfg.Database.URL == "" {
		return nil, nil
	}
	fmt.Fprintf(os.Stderr, "Connecting to PostgreSQL database...\n")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return database.GetStore(ctx)
}

// requireStore is openStore for commands that only make sense with a database.
func requireStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	return openStore(ctx, cfg)
}

// newService builds the attendance service against the configured encoder
// and restores persisted state.
func newService(ctx context.Context, cfg *config.Config) (*attendance.Service, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	enc := encoder.NewClient(cfg.Embedding.URL, cfg.Embedding.Dim,
		encoder.WithMaxImageSize(cfg.Embedding.MaxImageSize))

	var opts []attendance.Option
	if store != nil {
		opts = append(opts, attendance.WithStore(store))
	}
	svc, err := attendance.New(cfg, enc, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating attendance service: %w", err)
	}
	if err := svc.Load(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	if store != nil {
		fmt.Fprintf(os.Stderr, "Using PostgreSQL backend\n")
	} else {
		fmt.Fprintf(os.Stderr, "No DATABASE_URL set, running in memory\n")
	}
	return svc, nil
}

// closeDatabase releases the global PostgreSQL pool if one was opened.
func closeDatabase() {
	if pool := postgres.GetGlobalPool(); pool != nil {
		_ = pool.Close()
	}
}
