// Package observability holds the Prometheus metrics of the chat service.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xaenox/perfume-chat/internal/models"
)

const namespace = "perfume_chat"

type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	streamDuration  prometheus.Histogram
	tokens          *prometheus.CounterVec
	costUSD         *prometheus.CounterVec
	searchResults   prometheus.Histogram
	catalogRefresh  *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time until the handler returned, including streaming",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"route", "method"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to clients by error code",
		}, []string{"code"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Chat responses currently streaming",
		}),
		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of a model completion stream",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens by model and direction",
		}, []string{"model", "direction"}),
		costUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated model spend in USD",
		}, []string{"model"}),
		searchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Perfumes returned by the similarity search",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		catalogRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_catalog_refreshes_total",
			Help:      "Model catalog fetch attempts by outcome",
		}, []string{"outcome"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Assistant messages that could not be saved after streaming",
		}),
	}
}

func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

// StreamStarted increments the active stream gauge and returns the function
// that ends the stream
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.activeStreams.Inc()
	return func() {
		m.activeStreams.Dec()
		m.streamDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SearchResults(n int) {
	if m == nil {
		return
	}
	m.searchResults.Observe(float64(n))
}

func (m *Metrics) Usage(model string, u models.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues(model, "output").Add(float64(u.OutputTokens))
	if u.Costs != nil {
		m.costUSD.WithLabelValues(model).Add(u.Costs.TotalUSD)
	}
}

// CatalogRefreshed implements usage.RefreshObserver
func (m *Metrics) CatalogRefreshed(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.catalogRefresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}
