// Package auth implements the two Lightway credential backends — a
// bcrypt-hashed password file and RSA-signed bearer tokens — behind the
// session.AuthBackend interface. See spec.md §4.1 "Authentication".
package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
	"golang.org/x/crypto/bcrypt"
)

// PasswordBackend authenticates CredentialPassword auth requests against an
// in-memory map of username -> bcrypt hash, loaded from a colon-delimited
// file ("user:$2a$..." per line, one user per line).
//
// The in-memory map-under-mutex shape is the teacher's
// lib/bridge/auth_store.go AuthStore, adapted to store bcrypt hashes
// instead of plaintext passwords and to drop the runtime AUTH-command
// mutation API (Lightway has no equivalent of SAM's AUTH ADD/REMOVE).
type PasswordBackend struct {
	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash
}

// NewPasswordBackend returns an empty backend; use AddUser to populate it.
// LoadPasswordFile builds a populated backend from a file instead.
func NewPasswordBackend() *PasswordBackend {
	return &PasswordBackend{users: make(map[string][]byte)}
}

// LoadPasswordFile parses a colon-delimited user:bcryptHash file, one user
// per line. Blank lines and lines starting with '#' are ignored.
func LoadPasswordFile(path string) (*PasswordBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, lwerrors.NewConfigError("user_db", err.Error())
	}
	defer f.Close()

	b := NewPasswordBackend()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, lwerrors.NewConfigError("user_db", fmt.Sprintf("malformed entry at line %d", line))
		}
		b.users[parts[0]] = []byte(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, lwerrors.NewConfigError("user_db", err.Error())
	}
	return b, nil
}

// AddUser hashes password with bcrypt's default cost and stores it under
// username, overwriting any existing entry. Intended for tests and for
// admin tooling that writes the password file; the running server only
// reads via Authenticate.
func (b *PasswordBackend) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[username] = hash
	return nil
}

// Authenticate implements session.AuthBackend for CredentialPassword
// requests. It rejects CredentialToken requests so a PasswordBackend can be
// composed behind a dispatcher without accidentally accepting tokens.
func (b *PasswordBackend) Authenticate(req frame.AuthRequest) (string, error) {
	if req.Kind != frame.CredentialPassword {
		return "", lwerrors.NewAuthError("password backend received non-password credential")
	}
	b.mu.RLock()
	hash, ok := b.users[req.User]
	b.mu.RUnlock()
	if !ok {
		// Run bcrypt anyway against a fixed dummy hash so a nonexistent
		// username takes the same time as a wrong password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		return "", lwerrors.NewAuthError("unknown user or bad password")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil {
		return "", lwerrors.NewAuthError("unknown user or bad password")
	}
	return req.User, nil
}

// UserCount returns the number of loaded users, for startup logging.
func (b *PasswordBackend) UserCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("constant-time-padding"), bcrypt.DefaultCost)
