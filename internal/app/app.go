// Package app builds the service graph from configuration. The serve and bot
// commands share it so both front-ends run the same chat flow.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/bot"
	"github.com/xaenox/perfume-chat/internal/catalog"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/embedding"
	"github.com/xaenox/perfume-chat/internal/llm"
	"github.com/xaenox/perfume-chat/internal/observability"
	"github.com/xaenox/perfume-chat/internal/server"
	"github.com/xaenox/perfume-chat/internal/storage"
	"github.com/xaenox/perfume-chat/internal/stream"
	"github.com/xaenox/perfume-chat/internal/usage"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Storage  storage.Storage
	Chat     *chat.Service
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// streams is set when redis.url is configured
	streams *stream.RedisStore
	closers []func(context.Context) error
}

// NewLogger builds a production or development zap logger at the configured
// level
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zapCfg.Build()
}

// OpenStorage returns the in-memory store or connects to PostgreSQL, which
// applies the schema
func OpenStorage(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	if cfg.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	logger.Info("Using PostgreSQL storage")
	store, err := storage.NewPostgresStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = observability.NewMetrics(a.Registry)

	a.Storage, err = OpenStorage(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	store := a.Storage
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	embedder, err := embedding.NewClient(embedding.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Embedding catalog queries",
		zap.String("model", embedder.ModelName()),
		zap.Int("dimensions", embedder.Dimensions()))

	searcher, err := a.newSearcher(ctx, embedder)
	if err != nil {
		return nil, err
	}

	completer := llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
		TitleModel:  cfg.OpenAI.TitleModel,
	}, logger)

	reconciler := usage.NewReconciler(
		usage.NewHTTPFetcher(cfg.Usage.CatalogURL, 0),
		cfg.Usage.RefreshInterval,
		logger,
		usage.WithObserver(a.Metrics),
	)

	deps := chat.Dependencies{
		Storage:    a.Storage,
		Embedder:   embedder,
		Searcher:   searcher,
		Completer:  completer,
		Titler:     completer,
		Reconciler: reconciler,
		Metrics:    a.Metrics,
		Tracer:     observability.Tracer(),
	}

	// an unset interface keeps resumable streams disabled; a typed nil would not
	if cfg.Redis.URL != "" {
		streams, err := stream.NewRedisStore(ctx, cfg.Redis.URL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return streams.Close() })
		a.streams = streams
		deps.Streams = streams
	} else {
		logger.Info("Resumable streams disabled, no redis.url configured")
	}

	a.Chat = chat.NewService(deps, chat.Options{
		Limits:        cfg.Limits,
		Models:        cfg.Models,
		SearchLimit:   cfg.Search.Limit,
		MaxTokens:     cfg.OpenAI.MaxTokens,
		Temperature:   cfg.OpenAI.Temperature,
		StreamTimeout: cfg.OpenAI.StreamTimeout,
	}, logger)

	return a, nil
}

func (a *App) newSearcher(ctx context.Context, embedder *embedding.Client) (catalog.Searcher, error) {
	cfg := a.Config.Search
	switch cfg.Backend {
	case "postgres":
		pg, ok := a.Storage.(*storage.PostgresStorage)
		if !ok {
			return nil, errors.New("search.backend postgres requires PostgreSQL storage")
		}
		if err := catalog.Migrate(ctx, pg.DB()); err != nil {
			return nil, err
		}
		a.Logger.Info("Searching the catalog with pgvector")
		return catalog.NewPostgresSearcher(pg.DB()), nil
	case "weaviate":
		client, err := catalog.NewWeaviateClient(cfg.Weaviate.URL)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("Searching the catalog with Weaviate",
			zap.String("url", cfg.Weaviate.URL),
			zap.String("class", cfg.Weaviate.ClassName))
		return catalog.NewWeaviateSearcher(client, cfg.Weaviate.ClassName), nil
	case "memory":
		searcher := catalog.NewMemorySearcher()
		if cfg.CatalogFile != "" {
			if err := searcher.LoadFile(ctx, cfg.CatalogFile, embedder); err != nil {
				return nil, err
			}
		}
		a.Logger.Info("Searching an in-memory catalog",
			zap.String("file", cfg.CatalogFile),
			zap.Int("perfumes", searcher.Len()))
		return searcher, nil
	default:
		return nil, fmt.Errorf("unknown search.backend %q", cfg.Backend)
	}
}

func (a *App) Server() *server.Server {
	return server.New(server.Options{
		Server:      a.Config.Server,
		Limits:      a.Config.Limits,
		ServiceName: a.Config.Telemetry.ServiceName,
		Gatherer:    a.Registry,
	}, a.Chat, auth.NewStaticProvider(a.Config.Auth.Tokens), a.Metrics, a.Logger)
}

func (a *App) Bot() (*bot.Bot, error) {
	if a.Config.Telegram.Token == "" {
		return nil, errors.New("telegram.token (or TELEGRAM_TOKEN) is required")
	}
	var generations bot.Generations
	if a.streams != nil {
		generations = bot.NewRedisGenerations(a.streams.Client())
	} else {
		a.Logger.Warn("Telegram conversations reset on restart, no redis.url configured")
	}
	return bot.New(a.Config.Telegram.Token, a.Chat, generations, a.Logger)
}

// Close waits for background writes, then releases resources in reverse
// order of acquisition
func (a *App) Close(ctx context.Context) {
	if a.Chat != nil {
		a.Chat.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("Failed to release resource", zap.Error(err))
		}
	}
	a.closers = nil
}
