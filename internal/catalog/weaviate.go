package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wvmodels "github.com/weaviate/weaviate/entities/models"
	"github.com/xaenox/perfume-chat/internal/models"
)

// WeaviateSearcher runs a nearVector query against a perfume class whose
// objects carry the same attributes as the perfumes table
type WeaviateSearcher struct {
	client    *weaviate.Client
	className string
}

func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

func NewWeaviateSearcher(client *weaviate.Client, className string) *WeaviateSearcher {
	return &WeaviateSearcher{client: client, className: className}
}

var perfumeFields = []graphql.Field{
	{Name: "perfumeId"},
	{Name: "name"},
	{Name: "brand"},
	{Name: "description"},
	{Name: "rating"},
	{Name: "notes"},
	{Name: "season"},
	{Name: "gender"},
	{Name: "longevity"},
	{Name: "sillage"},
	{Name: "pros"},
	{Name: "cons"},
	{Name: "similar"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
}

func (s *WeaviateSearcher) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]*models.Perfume, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	result, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(perfumeFields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}

	return parsePerfumes(result, s.className)
}

type weaviatePerfume struct {
	PerfumeID   string   `json:"perfumeId"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Description *string  `json:"description"`
	Rating      *float64 `json:"rating"`
	Notes       []string `json:"notes"`
	Season      []string `json:"season"`
	Gender      *string  `json:"gender"`
	Longevity   *string  `json:"longevity"`
	Sillage     *string  `json:"sillage"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	Similar     []string `json:"similar"`
	Additional  struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

func parsePerfumes(resp *wvmodels.GraphQLResponse, className string) ([]*models.Perfume, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var parsed struct {
		Get map[string][]weaviatePerfume `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GraphQL response data: %w", err)
	}

	hits := parsed.Get[className]
	perfumes := make([]*models.Perfume, 0, len(hits))
	for _, h := range hits {
		id := h.PerfumeID
		if id == "" {
			id = h.Additional.ID
		}
		perfumes = append(perfumes, &models.Perfume{
			ID:          id,
			Name:        h.Name,
			Brand:       h.Brand,
			Description: h.Description,
			Rating:      h.Rating,
			Notes:       h.Notes,
			Season:      h.Season,
			Gender:      h.Gender,
			Longevity:   h.Longevity,
			Sillage:     h.Sillage,
			Pros:        h.Pros,
			Cons:        h.Cons,
			Similar:     h.Similar,
		})
	}
	return perfumes, nil
}
