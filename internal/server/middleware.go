package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xaenox/perfume-chat/internal/auth"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"

	visitorIdle   = 10 * time.Minute
	pruneInterval = time.Minute
)

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// requestIDMiddleware reuses a well-formed incoming X-Request-ID or
// generates one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func loggingMiddleware(logger *zap.Logger, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.ObserveRequest(route, c.Request.Method, strconv.Itoa(status), elapsed)

		fields := []zap.Field{
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if session := auth.GetSession(c); session != nil {
			fields = append(fields, zap.String("user_id", session.UserID))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Info("Request handled", fields...)
	}
}

func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Handler panicked",
			zap.Any("panic", recovered),
			zap.String("request_id", requestID(c)))
		e := chat.NewError(chat.Offline, chat.SurfaceChat, "")
		c.AbortWithStatusJSON(e.StatusCode(), e.Response())
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle is a token bucket per caller, keyed by user id or client IP
type throttle struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastPrune time.Time
	now       func() time.Time
}

func newThrottle(requestsPerSecond float64, burst int) *throttle {
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (t *throttle) allow(key string) bool {
	if t.limit <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastPrune) > pruneInterval {
		for k, v := range t.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(t.visitors, k)
			}
		}
		t.lastPrune = now
	}

	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (s *Server) throttleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if session := auth.GetSession(c); session != nil {
			key = "user:" + session.UserID
		}
		if !s.throttle.allow(key) {
			s.fail(c, chat.NewError(chat.RateLimit, chat.SurfaceAPI, ""))
			return
		}
		c.Next()
	}
}
