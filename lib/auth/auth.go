package auth

import (
	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

// Backend is the narrow interface lib/session depends on; both
// PasswordBackend and TokenBackend, and Dispatcher below, satisfy it.
type Backend interface {
	Authenticate(req frame.AuthRequest) (username string, err error)
}

// Dispatcher routes an AuthRequest to the backend matching its
// CredentialKind. A server configured with only a user_db has no Token
// backend and vice versa; either may be nil.
type Dispatcher struct {
	Password Backend
	Token    Backend
}

// Authenticate implements session.AuthBackend.
func (d Dispatcher) Authenticate(req frame.AuthRequest) (string, error) {
	switch req.Kind {
	case frame.CredentialPassword:
		if d.Password == nil {
			return "", lwerrors.NewAuthError("password authentication not configured")
		}
		return d.Password.Authenticate(req)
	case frame.CredentialToken:
		if d.Token == nil {
			return "", lwerrors.NewAuthError("token authentication not configured")
		}
		return d.Token.Authenticate(req)
	default:
		return "", lwerrors.NewAuthError("unrecognized credential kind")
	}
}
