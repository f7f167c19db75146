package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
}

func TestConfig_Validate_InvalidServerPort(t *testing.T) {
	tests := []struct {
		name      string
		port      int
		shouldErr bool
	}{
		{name: "port 0 invalid", port: 0, shouldErr: true},
		{name: "port -1 invalid", port: -1, shouldErr: true},
		{name: "port 65536 invalid", port: 65536, shouldErr: true},
		{name: "port 1 valid", port: 1, shouldErr: false},
		{name: "port 65535 valid", port: 65535, shouldErr: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Server.Port = tc.port

			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for port %d", tc.port)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for port %d: %v", tc.port, err)
			}
		})
	}
}

func TestConfig_Validate_Database(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.Type = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported database type")
	}

	cfg = defaultConfig()
	cfg.Database.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestConfig_Validate_SyncDelays(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sync.MaxDelay = cfg.Sync.InitialDelay - time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when max delay is below the initial delay")
	}

	cfg = defaultConfig()
	cfg.Sync.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max attempts")
	}
}

func TestConfig_Validate_RetentionHorizons(t *testing.T) {
	cfg := defaultConfig()
	cfg.Retention.SessionHorizon = cfg.Retention.RawEventHorizon
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when session horizon does not exceed raw horizon")
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9100
database:
  type: sqlite
  dsn: test.db
backend:
  timeout: 5s
retention:
  raw_event_horizon: 12h
  session_horizon: 96h
logging:
  level: debug
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("AGENT_CONFIG", path)
	t.Setenv("AGENT_SYNC_INITIAL_DELAY", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Database.DSN != "test.db" {
		t.Errorf("expected DSN test.db, got %s", cfg.Database.DSN)
	}
	if cfg.Sync.InitialDelay != 10*time.Second {
		t.Errorf("expected initial delay 10s, got %v", cfg.Sync.InitialDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Backend.Timeout != 5*time.Second {
		t.Errorf("expected backend timeout 5s, got %v", cfg.Backend.Timeout)
	}
	if cfg.Retention.RawEventHorizon != 12*time.Hour {
		t.Errorf("expected raw horizon 12h, got %v", cfg.Retention.RawEventHorizon)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
backend:
  timeout: soon
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("AGENT_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("AGENT_SYNC_MAX_ATTEMPTS", "3")
	t.Setenv("AGENT_BACKEND_BASE_URL", "https://example.com/api/v1/extension")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Backend.BaseURL != "https://example.com/api/v1/extension" {
		t.Errorf("unexpected backend URL: %s", cfg.Backend.BaseURL)
	}
}
