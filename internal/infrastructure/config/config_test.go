package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidServerConfig(t *testing.T) {
	content := `
mode: "server"
server:
  exposed_entities:
    - "light.kitchen"
    - "switch.garden"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "0.0.0.0"
  port: 8443
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != ModeServer {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeServer)
	}

	if len(cfg.Server.ExposedEntities) != 2 {
		t.Errorf("ExposedEntities count = %d, want 2", len(cfg.Server.ExposedEntities))
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	// Defaults survive partial files
	if cfg.WebSocket.PingInterval != 30 {
		t.Errorf("WebSocket.PingInterval = %d, want default 30", cfg.WebSocket.PingInterval)
	}
}

func TestLoad_ValidClientConfig(t *testing.T) {
	content := `
mode: "client"
client:
  server_url: "http://192.168.1.100:8443"
  token: "some-issued-token"
  name: "cabin"
  imported_entities:
    - "light.kitchen"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.ServerURL != "http://192.168.1.100:8443" {
		t.Errorf("Client.ServerURL = %q", cfg.Client.ServerURL)
	}

	if cfg.Client.Name != "cabin" {
		t.Errorf("Client.Name = %q, want %q", cfg.Client.Name, "cabin")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestValidate_ServerRequiresSecret(t *testing.T) {
	content := `
mode: "server"
database:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for missing JWT secret")
	}
	if !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Errorf("error should mention security.jwt.secret, got: %v", err)
	}
}

func TestValidate_ShortSecretRejected(t *testing.T) {
	content := `
mode: "server"
database:
  path: "/tmp/test.db"
security:
  jwt:
    secret: "too-short"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for short JWT secret")
	}
}

func TestValidate_ClientRequiresTokenOrSecret(t *testing.T) {
	content := `
mode: "client"
client:
  server_url: "http://example.local:8443"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error when client has neither token nor secret")
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = "proxy"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for unknown mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STATESYNC_JWT_SECRET", "env-secret-key-at-least-32-chars!!")
	t.Setenv("STATESYNC_DATABASE_PATH", "/tmp/env.db")

	content := `
mode: "server"
database:
  path: "/tmp/file.db"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Security.JWT.Secret != "env-secret-key-at-least-32-chars!!" {
		t.Error("env JWT secret should override file value")
	}

	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
}

func TestTTLDefaults(t *testing.T) {
	sec := SecurityConfig{}

	if got := sec.ClientTokenTTL().Hours(); got != 8760 {
		t.Errorf("ClientTokenTTL = %v hours, want 8760", got)
	}

	if got := sec.RegistrationTokenTTL().Minutes(); got != 60 {
		t.Errorf("RegistrationTokenTTL = %v minutes, want 60", got)
	}
}
