package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightwayio/lightway-server/lib/frame"
)

func TestAddUserAndAuthenticate(t *testing.T) {
	b := NewPasswordBackend()
	if err := b.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	user, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialPassword, User: "alice", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user != "alice" {
		t.Fatalf("user = %q, want alice", user)
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	b := NewPasswordBackend()
	_ = b.AddUser("alice", "hunter2")

	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialPassword, User: "alice", Password: "wrong"}); err == nil {
		t.Fatalf("expected error for wrong password")
	}
}

func TestAuthenticateUnknownUserFails(t *testing.T) {
	b := NewPasswordBackend()
	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialPassword, User: "ghost", Password: "x"}); err == nil {
		t.Fatalf("expected error for unknown user")
	}
}

func TestAuthenticateRejectsTokenCredential(t *testing.T) {
	b := NewPasswordBackend()
	if _, err := b.Authenticate(frame.AuthRequest{Kind: frame.CredentialToken, Token: "xyz"}); err == nil {
		t.Fatalf("expected error for token credential sent to password backend")
	}
}

func TestLoadPasswordFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.db")
	contents := "# comment\n\nalice:$2a$10$abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ01\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b, err := LoadPasswordFile(path)
	if err != nil {
		t.Fatalf("LoadPasswordFile: %v", err)
	}
	if b.UserCount() != 1 {
		t.Fatalf("UserCount = %d, want 1", b.UserCount())
	}
}

func TestLoadPasswordFileRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.db")
	if err := os.WriteFile(path, []byte("not-a-valid-line\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadPasswordFile(path); err == nil {
		t.Fatalf("expected ConfigError for malformed line")
	}
}

func TestDispatcherRoutesByCredentialKind(t *testing.T) {
	pw := NewPasswordBackend()
	_ = pw.AddUser("alice", "hunter2")
	d := Dispatcher{Password: pw}

	if _, err := d.Authenticate(frame.AuthRequest{Kind: frame.CredentialPassword, User: "alice", Password: "hunter2"}); err != nil {
		t.Fatalf("Authenticate via dispatcher: %v", err)
	}
	if _, err := d.Authenticate(frame.AuthRequest{Kind: frame.CredentialToken, Token: "x"}); err == nil {
		t.Fatalf("expected error: token backend not configured")
	}
}
