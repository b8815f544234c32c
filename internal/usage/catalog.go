package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Catalog maps provider id to provider entry, in the models.dev api.json
// layout
type Catalog map[string]Provider

type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Models map[string]Model `json:"models"`
}

type Model struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Cost  *Cost  `json:"cost,omitempty"`
	Limit *Limit `json:"limit,omitempty"`
}

// Cost is USD per million tokens
type Cost struct {
	Input     float64 `json:"input"`
	Output    float64 `json:"output"`
	CacheRead float64 `json:"cache_read,omitempty"`
	Reasoning float64 `json:"reasoning,omitempty"`
}

type Limit struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

// Lookup resolves "provider:model" ids, or bare model ids against every
// provider in sorted order
func (c Catalog) Lookup(modelID string) (Model, bool) {
	if provider, model, ok := strings.Cut(modelID, ":"); ok {
		p, exists := c[provider]
		if !exists {
			return Model{}, false
		}
		m, exists := p.Models[model]
		return m, exists
	}
	for _, providerID := range slices.Sorted(maps.Keys(c)) {
		if m, exists := c[providerID].Models[modelID]; exists {
			return m, true
		}
	}
	return Model{}, false
}

type Fetcher interface {
	Fetch(ctx context.Context) (Catalog, error)
}

// HTTPFetcher downloads the catalog JSON from a URL
type HTTPFetcher struct {
	url    string
	client *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{url: url, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("model catalog returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	return catalog, nil
}
