package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/lib/pq"
)

// Schema creates the tables read by PostgresBusinessRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS businesses (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	tagline      TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	services     TEXT[] NOT NULL DEFAULT '{}',
	calendly_url TEXT,
	logo_url     TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kb_chunks (
	id          TEXT NOT NULL,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	text        TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	tags        TEXT[] NOT NULL DEFAULT '{}',
	embedding   DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ,
	PRIMARY KEY (business_id, id)
);
`

type PostgresBusinessRepository struct {
	conn *Connector
}

func NewPostgresBusinessRepository(conn *Connector) *PostgresBusinessRepository {
	return &PostgresBusinessRepository{conn: conn}
}

// EnsureSchema applies Schema. It is safe to run on every start.
func (r *PostgresBusinessRepository) EnsureSchema(ctx context.Context) error {
	db, err := r.conn.DB(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresBusinessRepository) GetBusiness(ctx context.Context, id string) (*domain.Business, error) {
	db, err := r.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, tagline, email, services, calendly_url, logo_url, updated_at
		FROM businesses
		WHERE id = $1
	`

	var biz domain.Business
	var services pq.StringArray
	var calendlyURL, logoURL sql.NullString

	err = db.QueryRowContext(ctx, query, id).Scan(
		&biz.ID,
		&biz.Name,
		&biz.Tagline,
		&biz.Email,
		&services,
		&calendlyURL,
		&logoURL,
		&biz.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query business: %w", err)
	}

	biz.Services = []string(services)
	if calendlyURL.Valid && calendlyURL.String != "" {
		biz.CalendlyURL = &calendlyURL.String
	}
	if logoURL.Valid && logoURL.String != "" {
		biz.LogoURL = &logoURL.String
	}

	return &biz, nil
}

func (r *PostgresBusinessRepository) ListKnowledge(ctx context.Context, businessID string) ([]domain.KnowledgeChunk, error) {
	db, err := r.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, text, source, tags, embedding, updated_at
		FROM kb_chunks
		WHERE business_id = $1
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("query kb chunks: %w", err)
	}
	defer rows.Close()

	chunks := []domain.KnowledgeChunk{}
	for rows.Next() {
		var chunk domain.KnowledgeChunk
		var tags pq.StringArray
		var embedding pq.Float64Array
		var updatedAt pq.NullTime

		err := rows.Scan(
			&chunk.ID,
			&chunk.Text,
			&chunk.Source,
			&tags,
			&embedding,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan kb chunk: %w", err)
		}

		chunk.Tags = []string(tags)
		chunk.Embedding = []float64(embedding)
		if updatedAt.Valid {
			t := updatedAt.Time
			chunk.UpdatedAt = &t
		}

		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}
