package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Claims are the JWT claims the daemon issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator verifies HS256 bearer tokens. An empty secret disables token
// verification for local single-user use; the auth handshake itself is still
// required on WebSocket connections.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator for the shared secret.
func NewValidator(secret string) *Validator {
	if secret == "" {
		return &Validator{}
	}
	return &Validator{secret: []byte(secret)}
}

// Enabled reports whether token verification is active.
func (v *Validator) Enabled() bool { return len(v.secret) > 0 }

// Validate checks the token's signature and expiry.
func (v *Validator) Validate(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// Sign issues a token for subject, valid for ttl. Used by the CLI to mint
// local tokens and by tests.
func (v *Validator) Sign(subject string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth secret not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
