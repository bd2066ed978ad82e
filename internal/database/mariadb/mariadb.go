// Package mariadb reads the student roster from a MariaDB (or MySQL)
// database maintained by the school's administration system.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Pool is a small read-only connection pool to the roster database.
type Pool struct {
	db *sql.DB
}

// NewPool connects to the roster database. The DSN uses the driver's
// user:pass@tcp(host:port)/dbname form; UTF-8 and a connect timeout are
// enforced regardless of what it specifies.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("roster database DSN is required")
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid roster DSN: %w", err)
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating roster connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach roster database %s: %w", cfg.Addr, err)
	}

	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing roster database: %w", err)
	}
	return nil
}
