package usage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/perfume-chat/internal/models"
	"go.uber.org/zap"
)

type stubFetcher struct {
	calls   atomic.Int32
	catalog Catalog
	err     error
	delay   time.Duration
}

func (f *stubFetcher) Fetch(ctx context.Context) (Catalog, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.catalog, f.err
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []bool
}

func (o *countingObserver) CatalogRefreshed(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, success)
}

func testCatalog() Catalog {
	return Catalog{
		"openai": {
			ID: "openai",
			Models: map[string]Model{
				"gpt-4o-mini": {
					ID:    "gpt-4o-mini",
					Cost:  &Cost{Input: 0.15, Output: 0.6, CacheRead: 0.075},
					Limit: &Limit{Context: 128000, Output: 16384},
				},
			},
		},
	}
}

var rawUsage = models.TokenUsage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500}

func TestReconcile_NoModelID(t *testing.T) {
	fetcher := &stubFetcher{catalog: testCatalog()}
	r := NewReconciler(fetcher, time.Hour, zap.NewNop())

	got := r.Reconcile(context.Background(), rawUsage, "")
	assert.Equal(t, models.Usage{TokenUsage: rawUsage}, got)
	assert.Equal(t, int32(0), fetcher.calls.Load(), "catalog is not fetched without a model id")
}

func TestReconcile_CatalogUnavailable(t *testing.T) {
	observer := &countingObserver{}
	r := NewReconciler(&stubFetcher{err: errors.New("dns failure")}, time.Hour, zap.NewNop(), WithObserver(observer))

	got := r.Reconcile(context.Background(), rawUsage, "openai:gpt-4o-mini")
	assert.Equal(t, rawUsage, got.TokenUsage)
	assert.Empty(t, got.ModelID)
	assert.Nil(t, got.Costs)
	assert.Equal(t, []bool{false}, observer.outcomes)
}

func TestReconcile_HTTPCatalogFailureStillReturnsRawCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := NewReconciler(NewHTTPFetcher(server.URL, time.Second), time.Hour, zap.NewNop())
	got := r.Reconcile(context.Background(), rawUsage, "openai:gpt-4o-mini")
	assert.Equal(t, 1000, got.InputTokens)
	assert.Equal(t, 500, got.OutputTokens)
	assert.Nil(t, got.Costs)
}

func TestReconcile_UnknownModel(t *testing.T) {
	r := NewReconciler(&stubFetcher{catalog: testCatalog()}, time.Hour, zap.NewNop())

	got := r.Reconcile(context.Background(), rawUsage, "anthropic:claude-x")
	assert.Equal(t, models.Usage{TokenUsage: rawUsage}, got)
}

func TestReconcile_Enriches(t *testing.T) {
	r := NewReconciler(&stubFetcher{catalog: testCatalog()}, time.Hour, zap.NewNop())

	got := r.Reconcile(context.Background(), rawUsage, "openai:gpt-4o-mini")
	assert.Equal(t, "openai:gpt-4o-mini", got.ModelID)
	require.NotNil(t, got.Costs)
	assert.InDelta(t, 0.00015, got.Costs.InputUSD, 1e-12)
	assert.InDelta(t, 0.0003, got.Costs.OutputUSD, 1e-12)
	assert.InDelta(t, 0.00045, got.Costs.TotalUSD, 1e-12)
	require.NotNil(t, got.Context)
	assert.Equal(t, 128000, got.Context.TotalMax)
	assert.InDelta(t, 1500.0/128000*100, got.Context.PercentUsed, 1e-9)
}

func TestReconcile_BareModelID(t *testing.T) {
	r := NewReconciler(&stubFetcher{catalog: testCatalog()}, time.Hour, zap.NewNop())

	got := r.Reconcile(context.Background(), rawUsage, "gpt-4o-mini")
	assert.NotNil(t, got.Costs)
}

func TestCatalog_CachedWithinTTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{catalog: testCatalog()}
	r := NewReconciler(fetcher, 24*time.Hour, zap.NewNop(), WithClock(func() time.Time { return now }))

	_, ok := r.Catalog(context.Background())
	require.True(t, ok)
	now = now.Add(23 * time.Hour)
	_, ok = r.Catalog(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	now = now.Add(2 * time.Hour)
	_, ok = r.Catalog(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestCatalog_ServesStaleOnRefreshFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{catalog: testCatalog()}
	r := NewReconciler(fetcher, time.Hour, zap.NewNop(), WithClock(func() time.Time { return now }))

	_, ok := r.Catalog(context.Background())
	require.True(t, ok)

	fetcher.err = errors.New("boom")
	fetcher.catalog = nil
	now = now.Add(2 * time.Hour)

	catalog, ok := r.Catalog(context.Background())
	assert.True(t, ok)
	assert.Contains(t, catalog, "openai")

	// within the retry backoff no new fetch happens
	_, _ = r.Catalog(context.Background())
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestCatalog_ConcurrentRefreshesCoalesce(t *testing.T) {
	fetcher := &stubFetcher{catalog: testCatalog(), delay: 50 * time.Millisecond}
	r := NewReconciler(fetcher, time.Hour, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.Catalog(context.Background())
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestHTTPFetcher_Decodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"openai":{"id":"openai","name":"OpenAI","models":{"gpt-4o":{"id":"gpt-4o","cost":{"input":2.5,"output":10},"limit":{"context":128000,"output":16384}}}}}`))
	}))
	defer server.Close()

	catalog, err := NewHTTPFetcher(server.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	m, ok := catalog.Lookup("openai:gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.5, m.Cost.Input)
	assert.Equal(t, 128000, m.Limit.Context)
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(ctx context.Context) (Catalog, error) {
	panic("boom")
}

func TestReconcile_PanickingFetcherYieldsRawUsage(t *testing.T) {
	observer := &countingObserver{}
	r := NewReconciler(panickingFetcher{}, time.Hour, zap.NewNop(), WithObserver(observer))

	var got models.Usage
	require.NotPanics(t, func() {
		got = r.Reconcile(context.Background(), rawUsage, "openai:gpt-4o-mini")
	})
	assert.Equal(t, models.Usage{TokenUsage: rawUsage}, got)
	assert.Equal(t, []bool{false}, observer.outcomes, "a panic counts as a failed refresh")

	_, ok := r.Catalog(context.Background())
	assert.False(t, ok)
}
