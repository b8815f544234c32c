package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/xaenox/perfume-chat/internal/models"
)

//go:embed schema.sql
var schema string

// Migrate creates the pgvector extension and the perfumes table. Only the
// postgres search backend needs them.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error creating catalog schema: %w", err)
	}
	return nil
}

// PostgresSearcher ranks the perfumes table by pgvector cosine distance
type PostgresSearcher struct {
	db *sql.DB
}

func NewPostgresSearcher(db *sql.DB) *PostgresSearcher {
	return &PostgresSearcher{db: db}
}

func (s *PostgresSearcher) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]*models.Perfume, error) {
	query := `
		SELECT id, name, brand, description, rating, notes, season, gender,
		       longevity, sillage, pros, cons, similar
		FROM perfumes
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("error searching perfumes: %w", err)
	}
	defer rows.Close()

	var perfumes []*models.Perfume
	for rows.Next() {
		p := &models.Perfume{}
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Brand,
			&p.Description,
			&p.Rating,
			pq.Array(&p.Notes),
			pq.Array(&p.Season),
			&p.Gender,
			&p.Longevity,
			&p.Sillage,
			pq.Array(&p.Pros),
			pq.Array(&p.Cons),
			pq.Array(&p.Similar),
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning perfume: %w", err)
		}
		perfumes = append(perfumes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating perfumes: %w", err)
	}

	return perfumes, nil
}
