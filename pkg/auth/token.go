// Package auth inspects bearer tokens supplied to remote adapters.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token holds a bearer token and what could be learned from it locally.
type Token struct {
	Raw       string
	ExpiresAt time.Time // zero when the token carries no expiry
	Subject   string
}

// Parse inspects raw. Opaque tokens are accepted as-is; JWTs have their
// expiry and subject read without verifying the signature, which only the
// remote can do.
func Parse(raw string) Token {
	t := Token{Raw: raw}
	if raw == "" {
		return t
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return t
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	t.Subject = claims.Subject
	return t
}

// IsExpired returns true if the token has expired (with optional margin).
func (t Token) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Usable reports whether the token is present and not expired.
func (t Token) Usable() bool {
	return t.Raw != "" && !t.IsExpired(0)
}

// Usable is shorthand for Parse(raw).Usable().
func Usable(raw string) bool {
	return Parse(raw).Usable()
}
