// Package server exposes the chat service over HTTP with gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/models"
	"github.com/xaenox/perfume-chat/internal/observability"
	"github.com/xaenox/perfume-chat/internal/stream"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ChatService is what the HTTP layer needs from the chat package
type ChatService interface {
	Prepare(ctx context.Context, session *auth.Session, req chat.SendRequest) (*chat.Turn, error)
	Stream(ctx context.Context, turn *chat.Turn, sink chat.Sink)
	Delete(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, error)
	History(ctx context.Context, session *auth.Session, chatID string) (*models.Chat, []*models.Message, error)
	ResumableStream(ctx context.Context, session *auth.Session, chatID string) (string, error)
	Streams() stream.Store
	Wait()
}

type Options struct {
	Server      config.ServerConfig
	Limits      config.LimitsConfig
	ServiceName string
	// Gatherer backs /metrics; nil leaves the route out
	Gatherer prometheus.Gatherer
}

type Server struct {
	opts     Options
	chat     ChatService
	auth     auth.Provider
	metrics  *observability.Metrics
	logger   *zap.Logger
	throttle *throttle
	router   *gin.Engine
}

func New(opts Options, chatService ChatService, provider auth.Provider, metrics *observability.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		opts:     opts,
		chat:     chatService,
		auth:     provider,
		metrics:  metrics,
		logger:   logger,
		throttle: newThrottle(opts.Limits.RequestsPerSecond, opts.Limits.Burst),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(
		requestIDMiddleware(),
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger, s.metrics),
	)
	if s.opts.ServiceName != "" {
		router.Use(otelgin.Middleware(s.opts.ServiceName))
	}

	router.GET("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api", auth.Middleware(s.auth, s.logger))
	api.POST("/chat", s.throttleMiddleware(), s.handlePostChat)
	api.DELETE("/chat", s.handleDeleteChat)
	api.GET("/chat/:id", s.handleGetChat)
	api.GET("/chat/:id/stream", s.handleResumeStream)

	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests and
// background writes
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	err := srv.Shutdown(shutdownCtx)
	s.chat.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// fail writes a classified error response. Errors outside the taxonomy and
// database errors are logged with the request id.
func (s *Server) fail(c *gin.Context, err error) {
	e, unknown := chat.AsError(err)
	switch {
	case unknown:
		s.logger.Error("Unhandled error",
			zap.Error(err),
			zap.String("request_id", requestID(c)))
	case e.Surface == chat.SurfaceDatabase:
		s.logger.Error("Database error",
			zap.Error(err),
			zap.String("request_id", requestID(c)))
	}
	s.metrics.Error(e.Code())
	c.AbortWithStatusJSON(e.StatusCode(), e.Response())
}
