package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/database"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/pgvector/pgvector-go"
)

// GalleryRepository provides PostgreSQL-backed identity storage with pgvector embeddings.
type GalleryRepository struct {
	pool *Pool
}

// NewGalleryRepository creates a new PostgreSQL gallery repository.
func NewGalleryRepository(pool *Pool) *GalleryRepository {
	return &GalleryRepository{pool: pool}
}

// SaveIdentity upserts the identity and replaces its reference embeddings.
func (r *GalleryRepository) SaveIdentity(ctx context.Context, id gallery.Identity) error {
	return r.pool.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (person_id, name, enrolled_at, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (person_id) DO UPDATE SET
				name = EXCLUDED.name,
				updated_at = EXCLUDED.updated_at
		`, id.PersonID, id.Name, id.EnrolledAt, id.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM identity_embeddings WHERE person_id = $1", id.PersonID); err != nil {
			return fmt.Errorf("delete identity embeddings: %w", err)
		}

		for i, emb := range id.Embeddings {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO identity_embeddings (person_id, position, embedding) VALUES ($1, $2, $3)",
				id.PersonID, i, pgvector.NewVector(emb))
			if err != nil {
				return fmt.Errorf("insert identity embedding %d: %w", i, err)
			}
		}
		return nil
	})
}

// DeleteIdentity removes an identity; its embeddings cascade.
func (r *GalleryRepository) DeleteIdentity(ctx context.Context, personID string) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE person_id = $1", personID)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// LoadIdentities returns every identity with embeddings in enrollment order.
func (r *GalleryRepository) LoadIdentities(ctx context.Context) ([]gallery.Identity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.person_id, i.name, i.enrolled_at, i.updated_at, e.embedding
		FROM identities i
		JOIN identity_embeddings e ON e.person_id = i.person_id
		ORDER BY i.person_id, e.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []gallery.Identity
	for rows.Next() {
		var (
			personID, name       string
			enrolledAt, updateAt time.Time
			vec                  pgvector.Vector
		)
		if err := rows.Scan(&personID, &name, &enrolledAt, &updateAt, &vec); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].PersonID != personID {
			out = append(out, gallery.Identity{
				PersonID:   personID,
				Name:       name,
				EnrolledAt: enrolledAt,
				UpdatedAt:  updateAt,
			})
		}
		last := &out[len(out)-1]
		last.Embeddings = append(last.Embeddings, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// CountIdentities returns the number of stored identities.
func (r *GalleryRepository) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// NearestIdentities ranks identities by their closest embedding using the
// pgvector cosine distance operator.
func (r *GalleryRepository) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.IdentityDistance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.person_id, i.name, MIN(e.embedding <=> $1) AS distance
		FROM identities i
		JOIN identity_embeddings e ON e.person_id = i.person_id
		GROUP BY i.person_id, i.name
		ORDER BY distance, i.person_id
		LIMIT $2
	`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest identities: %w", err)
	}
	defer rows.Close()

	var out []database.IdentityDistance
	for rows.Next() {
		var d database.IdentityDistance
		if err := rows.Scan(&d.PersonID, &d.Name, &d.Distance); err != nil {
			return nil, fmt.Errorf("scan nearest identity: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest identities: %w", err)
	}
	return out, nil
}
