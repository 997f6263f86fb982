package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/httpx"
)

// sessionCookie is the cookie carrying the session token.
const sessionCookie = "bp_session"

type contextKey struct{}

// SessionConfig holds session token settings.
type SessionConfig struct {
	SigningKey string        `env:"SESSION_SIGNING_KEY,required"`
	TTL        time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	Secure     bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
}

// SessionManager issues and validates stateless session tokens. Tokens are
// HS256 JWTs with the account ID as subject; there is no server-side session
// store, so logout is purely cookie deletion.
type SessionManager struct {
	signingKey []byte
	ttl        time.Duration
	secure     bool
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("session signing key must be at least 32 bytes")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionManager{
		signingKey: []byte(cfg.SigningKey),
		ttl:        ttl,
		secure:     cfg.Secure,
	}, nil
}

// Issue creates a signed session token for the account.
func (m *SessionManager) Issue(accountID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns the account ID.
func (m *SessionManager) Validate(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return uuid.Nil, errors.New("session token has no subject")
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session subject: %w", err)
	}
	return accountID, nil
}

// SetCookie writes the session cookie.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the session cookie.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware rejects requests without a valid session and stores the account
// ID in the request context.
func (m *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			httpx.Error(w, httpx.ErrUnauthorized)
			return
		}
		accountID, err := m.Validate(cookie.Value)
		if err != nil {
			httpx.Error(w, httpx.ErrUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountIDFromContext returns the authenticated account ID set by
// Middleware.
func AccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok
}
