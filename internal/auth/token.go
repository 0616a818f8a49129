package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource holds the student bearer token for the lifetime of an
// attempt. The host shell refreshes it out-of-band; the runtime only
// reads it per request.
type TokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewTokenSource wraps an initial token, which may be empty.
func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token}
}

// Token returns the current bearer token.
func (t *TokenSource) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set replaces the bearer token.
func (t *TokenSource) Set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// ExpiresAt reads the token's exp claim without verifying the signature.
// The client has no signing key; this exists only so the agent can warn
// when a token will lapse mid-attempt.
func (t *TokenSource) ExpiresAt() (time.Time, error) {
	tok := t.Token()
	if tok == "" {
		return time.Time{}, fmt.Errorf("no token set")
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}
	return claims.ExpiresAt.Time, nil
}
