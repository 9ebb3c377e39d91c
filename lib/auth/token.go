package auth

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

// TokenBackend authenticates CredentialToken auth requests: the bearer
// token is a JWT signed by an external identity provider, verified here
// against a configured RSA public key. Grounded on gravitational-teleport's
// direct use of golang-jwt/jwt for its own bearer tokens.
type TokenBackend struct {
	publicKey *rsa.PublicKey
}

// NewTokenBackend wraps an already-parsed RSA public key.
func NewTokenBackend(key *rsa.PublicKey) *TokenBackend {
	return &TokenBackend{publicKey: key}
}

// LoadTokenBackend reads and parses a PEM-encoded RSA public key from path.
func LoadTokenBackend(path string) (*TokenBackend, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, lwerrors.NewConfigError("token_rsa_pub_key_pem", err.Error())
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, lwerrors.NewConfigError("token_rsa_pub_key_pem", err.Error())
	}
	return NewTokenBackend(key), nil
}

// claims is the minimal claim set Lightway tokens are expected to carry:
// a subject (mapped to the session's username) and the registered
// expiry/issued-at claims that jwt.ParseWithClaims validates automatically.
type claims struct {
	jwt.RegisteredClaims
}

// Authenticate implements session.AuthBackend for CredentialToken requests.
// It accepts RS256, RS384, and RS512 and rejects every other signing
// method, including "none", per spec.md §4.1's explicit rejection of
// unsigned or algorithm-confused tokens.
func (b *TokenBackend) Authenticate(req frame.AuthRequest) (string, error) {
	if req.Kind != frame.CredentialToken {
		return "", lwerrors.NewAuthError("token backend received non-token credential")
	}

	var c claims
	_, err := jwt.ParseWithClaims(req.Token, &c, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			return b.publicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	if err != nil {
		return "", lwerrors.NewAuthError("invalid or expired token: " + err.Error())
	}
	if c.Subject == "" {
		return "", lwerrors.NewAuthError("token missing subject claim")
	}
	return c.Subject, nil
}
