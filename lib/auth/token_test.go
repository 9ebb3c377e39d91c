package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightwayio/lightway-server/lib/frame"
)

func generateTestTokenPair(t *testing.T, subject string, expiresIn time.Duration) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return priv, signed
}

func TestTokenBackendAcceptsValidToken(t *testing.T) {
	priv, signed := generateTestTokenPair(t, "bob", time.Hour)
	b := NewTokenBackend(&priv.PublicKey)

	user, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialToken, Token: signed})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user != "bob" {
		t.Fatalf("user = %q, want bob", user)
	}
}

func TestTokenBackendRejectsExpiredToken(t *testing.T) {
	priv, signed := generateTestTokenPair(t, "bob", -time.Hour)
	b := NewTokenBackend(&priv.PublicKey)

	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialToken, Token: signed}); err == nil {
		t.Fatalf("expected error for expired token")
	}
}

func TestTokenBackendRejectsWrongKey(t *testing.T) {
	_, signed := generateTestTokenPair(t, "bob", time.Hour)
	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b := NewTokenBackend(&otherPriv.PublicKey)

	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialToken, Token: signed}); err == nil {
		t.Fatalf("expected error for token signed by a different key")
	}
}

func TestTokenBackendRejectsNonTokenCredential(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b := NewTokenBackend(&priv.PublicKey)
	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialPassword, User: "x", Password: "y"}); err == nil {
		t.Fatalf("expected error for password credential sent to token backend")
	}
}
