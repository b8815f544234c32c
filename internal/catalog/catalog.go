// Package catalog retrieves perfumes whose embeddings are closest to a query
// vector. The index itself lives in the backing store; this package only
// issues the query and maps the ranked rows.
package catalog

import (
	"context"

	"github.com/xaenox/perfume-chat/internal/models"
)

type Searcher interface {
	// SearchSimilar returns at most limit perfumes, closest first
	SearchSimilar(ctx context.Context, vector []float32, limit int) ([]*models.Perfume, error)
}
