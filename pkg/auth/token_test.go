package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParse_OpaqueToken(t *testing.T) {
	tok := Parse("sl.opaque-dropbox-token")
	if !tok.ExpiresAt.IsZero() {
		t.Errorf("opaque token should carry no expiry, got %v", tok.ExpiresAt)
	}
	if !tok.Usable() {
		t.Error("opaque token should be usable")
	}
}

func TestParse_Empty(t *testing.T) {
	if Usable("") {
		t.Error("empty token should not be usable")
	}
}

func TestParse_ValidJWT(t *testing.T) {
	raw := signed(t, jwt.RegisteredClaims{
		Subject:   "alice@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok := Parse(raw)
	if tok.Subject != "alice@example.com" {
		t.Errorf("expected subject alice@example.com, got %q", tok.Subject)
	}
	if !tok.Usable() {
		t.Error("unexpired token should be usable")
	}
	if !tok.IsExpired(2 * time.Hour) {
		t.Error("token should count as expired within a 2h margin")
	}
}

func TestParse_ExpiredJWT(t *testing.T) {
	raw := signed(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	if Usable(raw) {
		t.Error("expired token should not be usable")
	}
}
