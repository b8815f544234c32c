// Package auth resolves the caller's session from a bearer token.
//
// The middleware never rejects a request by itself: handlers validate the
// payload first and only then require a session, so a malformed request
// is reported as such even without credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.uber.org/zap"
)

const (
	UserTypeGuest   = "guest"
	UserTypeRegular = "regular"

	sessionKey = "auth_session"
)

var ErrUnauthorized = errors.New("unauthorized")

type Session struct {
	UserID   string
	UserType string
}

type Provider interface {
	Validate(ctx context.Context, token string) (*Session, error)
}

type entry struct {
	token   []byte
	session Session
}

// StaticProvider accepts the tokens listed in the configuration
type StaticProvider struct {
	entries []entry
}

func NewStaticProvider(tokens []config.TokenConfig) *StaticProvider {
	p := &StaticProvider{}
	for _, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			continue
		}
		userType := t.UserType
		if userType == "" {
			userType = UserTypeRegular
		}
		p.entries = append(p.entries, entry{
			token:   []byte(t.Token),
			session: Session{UserID: t.UserID, UserType: userType},
		})
	}
	return p
}

func (p *StaticProvider) Validate(_ context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			session := e.session
			return &session, nil
		}
	}
	return nil, ErrUnauthorized
}

// Middleware stores the session of a valid bearer token in the gin context
func Middleware(provider Provider, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token != "" {
			session, err := provider.Validate(c.Request.Context(), token)
			switch {
			case err == nil:
				SetSession(c, session)
			case !errors.Is(err, ErrUnauthorized):
				logger.Warn("Auth provider failed", zap.Error(err))
			}
		}
		c.Next()
	}
}

func SetSession(c *gin.Context, session *Session) {
	c.Set(sessionKey, session)
}

// GetSession returns the session of the request or nil
func GetSession(c *gin.Context) *Session {
	if v, exists := c.Get(sessionKey); exists {
		if session, ok := v.(*Session); ok {
			return session
		}
	}
	return nil
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
