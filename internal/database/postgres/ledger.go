package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

// LedgerRepository provides PostgreSQL-backed ledger storage.
type LedgerRepository struct {
	pool *Pool
}

// NewLedgerRepository creates a new PostgreSQL ledger repository.
func NewLedgerRepository(pool *Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// SaveLedgerEntry inserts an entry. Entries are never updated.
func (r *LedgerRepository) SaveLedgerEntry(ctx context.Context, e ledger.Entry) error {
	var supersedes sql.NullString
	if e.Supersedes != "" {
		supersedes = sql.NullString{String: e.Supersedes, Valid: true}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_entries (id, session_id, person_id, name, ts, confidence, distance, supersedes, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.SessionID, e.PersonID, e.Name, e.Timestamp, e.Confidence, e.Distance, supersedes, e.Note)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// LoadLedger returns every entry in append order.
func (r *LedgerRepository) LoadLedger(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, person_id, name, ts, confidence, distance, COALESCE(supersedes, ''), note
		FROM ledger_entries
		ORDER BY ts, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.PersonID, &e.Name, &e.Timestamp,
			&e.Confidence, &e.Distance, &e.Supersedes, &e.Note); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return out, nil
}
