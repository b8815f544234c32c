package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xaenox/perfume-chat/internal/models"
)

// BatchEmbedder embeds catalog entries that ship without a vector
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type memoryEntry struct {
	perfume *models.Perfume
	vector  []float32
}

// MemorySearcher keeps the whole catalog in memory and ranks it by cosine
// similarity. Meant for development and tests, not for large catalogs.
type MemorySearcher struct {
	mu      sync.RWMutex
	entries []memoryEntry
}

func NewMemorySearcher() *MemorySearcher {
	return &MemorySearcher{}
}

func (s *MemorySearcher) Add(p *models.Perfume, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, memoryEntry{perfume: p, vector: vector})
}

func (s *MemorySearcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

type catalogRecord struct {
	models.Perfume
	Embedding []float32 `json:"embedding,omitempty"`
}

// LoadFile reads a JSON array of perfumes. Records without an "embedding"
// field are embedded in a single batch through embedder.
func (s *MemorySearcher) LoadFile(ctx context.Context, path string, embedder BatchEmbedder) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading catalog file: %w", err)
	}

	var records []catalogRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("error decoding catalog file: %w", err)
	}

	var missing []int
	var texts []string
	for i, r := range records {
		if len(r.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, EmbeddingText(&records[i].Perfume))
		}
	}
	if len(missing) > 0 {
		if embedder == nil {
			return fmt.Errorf("catalog has %d records without embeddings and no embedder", len(missing))
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("error embedding catalog: %w", err)
		}
		for i, idx := range missing {
			records[idx].Embedding = vectors[i]
		}
	}

	for i := range records {
		p := records[i].Perfume
		s.Add(&p, records[i].Embedding)
	}
	return nil
}

// EmbeddingText is the text a perfume is indexed under
func EmbeddingText(p *models.Perfume) string {
	parts := []string{p.Name, p.Brand}
	if p.Description != nil {
		parts = append(parts, *p.Description)
	}
	if len(p.Notes) > 0 {
		parts = append(parts, "Notes: "+strings.Join(p.Notes, ", "))
	}
	return strings.Join(parts, ". ")
}

func (s *MemorySearcher) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]*models.Perfume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		perfume *models.Perfume
		score   float64
	}
	ranked := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		if len(e.vector) != len(vector) {
			continue
		}
		ranked = append(ranked, scored{perfume: e.perfume, score: cosine(vector, e.vector)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	result := make([]*models.Perfume, len(ranked))
	for i, r := range ranked {
		result[i] = r.perfume
	}
	return result, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
