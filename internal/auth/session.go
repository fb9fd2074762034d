// Package auth issues and checks login sessions. A session is an HS256 JWT
// carried in a cookie; logging out records the token id in a revocation
// store until the token would have expired anyway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrUnauthorized is returned for missing, malformed or expired tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRevoked is returned for tokens ended by logout.
	ErrRevoked = errors.New("session revoked")
)

const issuer = "aneurysm-check"

// SessionClaims identifies the logged-in account.
type SessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserID returns the numeric account id stored in the subject.
func (c *SessionClaims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject %q", ErrUnauthorized, c.Subject)
	}
	return uint(id), nil
}

// Manager issues, parses and revokes sessions.
type Manager struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	store      RevocationStore
	now        func() time.Time
}

// NewManager builds a session manager signing with secret.
func NewManager(secret string, ttl time.Duration, cookieName string, store RevocationStore) *Manager {
	return &Manager{
		secret:     []byte(secret),
		ttl:        ttl,
		cookieName: cookieName,
		store:      store,
		now:        time.Now,
	}
}

// Issue signs a session for the given account.
func (m *Manager) Issue(userID uint, username string) (string, *SessionClaims, error) {
	now := m.now()
	claims := &SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies token and checks it has not been revoked.
func (m *Manager) Parse(ctx context.Context, token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrUnauthorized)
	}

	revoked, err := m.store.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke ends a session before its expiry.
func (m *Manager) Revoke(ctx context.Context, claims *SessionClaims) error {
	until := m.now()
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	return m.store.Revoke(ctx, claims.ID, until)
}

// SetCookie stores token in the session cookie.
func (m *Manager) SetCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, token, int(m.ttl.Seconds()), "/", "", false, true)
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, "", -1, "/", "", false, true)
}

// FromRequest parses the session carried by r, if any.
func (m *Manager) FromRequest(r *http.Request) (*SessionClaims, error) {
	token, err := m.tokenFromRequest(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return m.Parse(r.Context(), token)
}
