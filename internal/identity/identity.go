// Package identity resolves the authenticated user for the assistant client.
// Authentication itself happens against an external provider; this package
// only holds the resolved identity and can extract it from a sign-in token.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when an operation requires a resolved user
// identity and none is available. It is a precondition failure, not a
// retryable transport error.
var ErrNotAuthenticated = errors.New("identity: no authenticated user")

// Resolver holds the resolved user identity (the user's email).
type Resolver struct {
	mu    sync.RWMutex
	email string
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// SetEmail records an already-resolved identity, e.g. after a sign-in call.
func (r *Resolver) SetEmail(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.email = strings.TrimSpace(email)
}

// SetFromToken extracts the identity from a sign-in token issued by the
// identity provider. When secret is non-empty the token signature is verified
// (HMAC); otherwise the claims are parsed without verification, matching the
// opaque-token contract where verification is the provider's job.
func (r *Resolver) SetFromToken(token, secret string) error {
	var claims jwt.MapClaims

	if secret != "" {
		parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			return fmt.Errorf("identity: parse token: %w", err)
		}
		claims = parsed.Claims.(jwt.MapClaims)
	} else {
		parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
		if err != nil {
			return fmt.Errorf("identity: parse token: %w", err)
		}
		claims = parsed.Claims.(jwt.MapClaims)
	}

	email, _ := claims["email"].(string)
	if email == "" {
		if sub, err := claims.GetSubject(); err == nil {
			email = sub
		}
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("identity: token carries no email claim")
	}

	r.SetEmail(email)
	return nil
}

// Email returns the resolved identity or ErrNotAuthenticated.
func (r *Resolver) Email() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.email == "" {
		return "", ErrNotAuthenticated
	}
	return r.email, nil
}

// Clear forgets the identity (sign-out).
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.email = ""
}
