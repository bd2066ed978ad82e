package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// SessionRepository provides PostgreSQL-backed attendance session storage
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// SaveSession stores a session, updating the row on every transition.
// A closed row is never updated again.
func (r *SessionRepository) SaveSession(ctx context.Context, info session.Info) error {
	query := `
		INSERT INTO attendance_sessions (id, state, close_reason, threshold, ambiguity_margin,
			created_at, opened_at, closed_at, start_at, end_at, gallery_version, gallery_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			close_reason = EXCLUDED.close_reason,
			opened_at = EXCLUDED.opened_at,
			closed_at = EXCLUDED.closed_at,
			gallery_version = EXCLUDED.gallery_version,
			gallery_size = EXCLUDED.gallery_size
		WHERE attendance_sessions.state <> 'closed'
	`

	_, err := r.pool.Exec(ctx, query,
		info.ID,
		string(info.State),
		string(info.CloseReason),
		info.Params.Threshold,
		info.Params.AmbiguityMargin,
		info.CreatedAt,
		nullTime(info.OpenedAt),
		nullTime(info.ClosedAt),
		nullTime(info.StartAt),
		nullTime(info.EndAt),
		int64(info.GalleryVersion),
		info.GallerySize,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSessions returns every session ordered by creation time
func (r *SessionRepository) LoadSessions(ctx context.Context) ([]session.Info, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, state, close_reason, threshold, ambiguity_margin,
		       created_at, opened_at, closed_at, start_at, end_at, gallery_version, gallery_size
		FROM attendance_sessions
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Info
	for rows.Next() {
		var (
			info                          session.Info
			state, reason                 string
			threshold, margin             float64
			opened, closed, start, endsAt sql.NullTime
			version                       int64
		)
		if err := rows.Scan(&info.ID, &state, &reason, &threshold, &margin,
			&info.CreatedAt, &opened, &closed, &start, &endsAt, &version, &info.GallerySize); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.State = session.State(state)
		info.CloseReason = session.CloseReason(reason)
		info.Params = facematch.Params{Threshold: threshold, AmbiguityMargin: margin}
		info.CreatedAt = info.CreatedAt.UTC()
		info.OpenedAt = timeOf(opened)
		info.ClosedAt = timeOf(closed)
		info.StartAt = timeOf(start)
		info.EndAt = timeOf(endsAt)
		info.GalleryVersion = uint64(version)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
