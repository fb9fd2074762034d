package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey string

const sessionKey contextKey = "authSession"

// GetSession retrieves the authenticated session from context.
func GetSession(ctx context.Context) (*SessionClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(sessionKey).(*SessionClaims)
	return claims, ok && claims != nil
}

// Middleware validates the session cookie (or a bearer token) and injects
// the session into the request context. Requests without a valid session
// are rejected with 401.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := m.tokenFromRequest(c.Request)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims, err := m.Parse(c.Request.Context(), token)
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, ErrRevoked) {
				msg = "session ended"
			}
			unauthorized(c, msg)
			return
		}

		ctx := context.WithValue(c.Request.Context(), sessionKey, claims)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(sessionKey), claims)

		c.Next()
	}
}

func (m *Manager) tokenFromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("login required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
