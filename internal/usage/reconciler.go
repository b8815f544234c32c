// Package usage enriches raw token counts with cost and context-window data
// from a cached model catalog. Enrichment is best effort: every failure
// falls back to the raw counts.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/perfume-chat/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 24 * time.Hour

	// failed refreshes are not retried more often than this
	retryBackoff = time.Minute
	fetchTimeout = 20 * time.Second
	catalogKey   = "model-catalog"
)

// RefreshObserver is told about every catalog fetch attempt
type RefreshObserver interface {
	CatalogRefreshed(success bool)
}

type Reconciler struct {
	fetcher  Fetcher
	ttl      time.Duration
	logger   *zap.Logger
	observer RefreshObserver
	now      func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	catalog     Catalog
	fetchedAt   time.Time
	lastFailure time.Time
}

type Option func(*Reconciler)

func WithObserver(o RefreshObserver) Option {
	return func(r *Reconciler) { r.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(fetcher Fetcher, ttl time.Duration, logger *zap.Logger, opts ...Option) *Reconciler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Reconciler{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the cached catalog, refreshing it when older than the TTL.
// Concurrent refreshes share one fetch. A stale catalog is served when a
// refresh fails.
func (r *Reconciler) Catalog(ctx context.Context) (Catalog, bool) {
	r.mu.RLock()
	catalog, fetchedAt, lastFailure := r.catalog, r.fetchedAt, r.lastFailure
	r.mu.RUnlock()

	now := r.now()
	if catalog != nil && now.Sub(fetchedAt) < r.ttl {
		return catalog, true
	}
	if !lastFailure.IsZero() && now.Sub(lastFailure) < retryBackoff {
		return catalog, catalog != nil
	}

	v, err, _ := r.group.Do(catalogKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return r.refresh(fetchCtx)
	})
	if err != nil {
		return catalog, catalog != nil
	}
	return v.(Catalog), true
}

// fetch turns a panicking fetcher into an error so it is counted as a failed
// refresh
func (r *Reconciler) fetch(ctx context.Context) (catalog Catalog, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			catalog, err = nil, fmt.Errorf("model catalog fetch panicked: %v", rec)
		}
	}()
	return r.fetcher.Fetch(ctx)
}

func (r *Reconciler) refresh(ctx context.Context) (Catalog, error) {
	fetched, err := r.fetch(ctx)
	if err == nil && fetched == nil {
		err = errors.New("empty model catalog")
	}
	if r.observer != nil {
		r.observer.CatalogRefreshed(err == nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastFailure = r.now()
		r.logger.Warn("Failed to refresh model catalog", zap.Error(err))
		return nil, err
	}
	r.catalog = fetched
	r.fetchedAt = r.now()
	r.lastFailure = time.Time{}
	r.logger.Info("Refreshed model catalog", zap.Int("providers", len(fetched)))
	return fetched, nil
}

// Reconcile never fails: without a model id, without a catalog, or when
// enrichment fails it returns the raw counts unchanged
func (r *Reconciler) Reconcile(ctx context.Context, raw models.TokenUsage, modelID string) (result models.Usage) {
	result = models.Usage{TokenUsage: raw}

	if modelID == "" {
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Usage enrichment panicked",
				zap.Any("panic", rec),
				zap.String("model_id", modelID))
			result = models.Usage{TokenUsage: raw}
		}
	}()

	catalog, ok := r.Catalog(ctx)
	if !ok {
		return result
	}

	enriched, err := Summarize(catalog, raw, modelID)
	if err != nil {
		r.logger.Warn("Failed to enrich usage",
			zap.Error(err),
			zap.String("model_id", modelID))
		return result
	}
	return enriched
}

// Summarize prices raw usage with the catalog entry of modelID
func Summarize(catalog Catalog, raw models.TokenUsage, modelID string) (models.Usage, error) {
	model, ok := catalog.Lookup(modelID)
	if !ok {
		return models.Usage{}, fmt.Errorf("model %q not in catalog", modelID)
	}

	usage := models.Usage{TokenUsage: raw, ModelID: modelID}

	if model.Cost != nil {
		const perMillion = 1_000_000.0
		uncached := raw.InputTokens - raw.CachedInputTokens
		if uncached < 0 {
			uncached = 0
		}
		cacheRate := model.Cost.CacheRead
		if cacheRate == 0 {
			cacheRate = model.Cost.Input
		}
		costs := &models.UsageCosts{
			InputUSD:     float64(uncached) * model.Cost.Input / perMillion,
			OutputUSD:    float64(raw.OutputTokens) * model.Cost.Output / perMillion,
			CacheReadUSD: float64(raw.CachedInputTokens) * cacheRate / perMillion,
		}
		costs.TotalUSD = costs.InputUSD + costs.OutputUSD + costs.CacheReadUSD
		usage.Costs = costs
	}

	if model.Limit != nil && model.Limit.Context > 0 {
		total := raw.TotalTokens
		if total == 0 {
			total = raw.InputTokens + raw.OutputTokens
		}
		usage.Context = &models.UsageContext{
			TotalMax:    model.Limit.Context,
			OutputMax:   model.Limit.Output,
			PercentUsed: float64(total) / float64(model.Limit.Context) * 100,
		}
	}

	return usage, nil
}
