package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lightway.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "password_file: /etc/lightway/passwd\ntls_cert_file: /etc/lightway/tls.crt\ntls_key_file: /etc/lightway/tls.key\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlListenAddr != ":7000" {
		t.Fatalf("ControlListenAddr = %q, want default \":7000\"", cfg.ControlListenAddr)
	}
	if cfg.InsidePrefix != "10.70.0.0/24" {
		t.Fatalf("InsidePrefix = %q, want default", cfg.InsidePrefix)
	}
	if cfg.MTU != 1350 {
		t.Fatalf("MTU = %d, want default 1350", cfg.MTU)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "password_file: /etc/lightway/passwd\ntls_cert_file: /etc/lightway/tls.crt\ntls_key_file: /etc/lightway/tls.key\ncontrol_listen_addr: \":7000\"\n")
	t.Setenv("LIGHTWAY_CONTROL_LISTEN_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlListenAddr != ":9999" {
		t.Fatalf("ControlListenAddr = %q, want env override \":9999\"", cfg.ControlListenAddr)
	}
}

func TestLoadRejectsInvalidInsidePrefix(t *testing.T) {
	path := writeConfigFile(t, "password_file: /etc/lightway/passwd\ntls_cert_file: /etc/lightway/tls.crt\ntls_key_file: /etc/lightway/tls.key\ninside_prefix: \"not-a-cidr\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an invalid inside_prefix")
	}
}

func TestLoadRejectsMissingCredentialSource(t *testing.T) {
	path := writeConfigFile(t, "tls_cert_file: /etc/lightway/tls.crt\ntls_key_file: /etc/lightway/tls.key\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when neither password_file nor token_key_file is set")
	}
}

func TestLoadRejectsMissingTLSFilesForTLSTransport(t *testing.T) {
	path := writeConfigFile(t, "password_file: /etc/lightway/passwd\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when transport=tls is missing cert/key files")
	}
}
