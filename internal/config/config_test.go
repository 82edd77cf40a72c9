package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

// Functional Validation Tests
func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected default addr :8080, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.OperationTimeout != 15*time.Second {
		t.Errorf("Unexpected operation timeout %v", cfg.HTTP.OperationTimeout)
	}
	if cfg.Database.Path == "" || cfg.Database.MaxConnections != 10 {
		t.Errorf("Unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Provider.Mode != ProviderMemory {
		t.Errorf("Expected memory provider by default, got %q", cfg.Provider.Mode)
	}
	if cfg.RateLimit.Requests != 120 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("Unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "" || cfg.Telemetry.ServiceName != "codepair" {
		t.Errorf("Unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.Secret = " " }, "AUTH_SECRET"},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }, "address"},
		{"zero operation timeout", func(c *Config) { c.HTTP.OperationTimeout = 0 }, "operation timeout"},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"unknown provider", func(c *Config) { c.Provider.Mode = "carrier-pigeon" }, "unknown provider"},
		{"stream without key", func(c *Config) { c.Provider.Mode = ProviderStream }, "PROVIDER_API_KEY"},
		{"stream configured", func(c *Config) {
			c.Provider.Mode = ProviderStream
			c.Provider.APIKey = "key"
			c.Provider.APISecret = "secret"
		}, ""},
		{"rate limit without window", func(c *Config) { c.RateLimit.Window = 0 }, "window"},
		{"rate limit disabled", func(c *Config) { c.RateLimit.Requests = 0; c.RateLimit.Window = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CODEPAIR_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("CODEPAIR_HTTP_OPERATION_TIMEOUT", "3s")
	t.Setenv("CODEPAIR_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("CODEPAIR_AUTH_SECRET", "env-secret")
	t.Setenv("CODEPAIR_PROVIDER_MODE", "stream")
	t.Setenv("CODEPAIR_PROVIDER_API_KEY", "key")
	t.Setenv("CODEPAIR_PROVIDER_API_SECRET", "secret")
	t.Setenv("CODEPAIR_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("CODEPAIR_RATE_LIMIT_REQUESTS", "5")
	t.Setenv("CODEPAIR_OTEL_ENDPOINT", "http://localhost:4318")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.HTTP.Addr != "127.0.0.1:9000" || cfg.HTTP.OperationTimeout != 3*time.Second {
		t.Errorf("HTTP env not applied: %+v", cfg.HTTP)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database env not applied: %+v", cfg.Database)
	}
	if cfg.Auth.Secret != "env-secret" {
		t.Error("Auth secret not applied")
	}
	if cfg.Provider.Mode != ProviderStream || cfg.Provider.APIKey != "key" || cfg.Provider.APISecret != "secret" {
		t.Errorf("Provider env not applied: %+v", cfg.Provider)
	}
	if len(cfg.WebSocket.AllowedOrigins) != 2 || cfg.WebSocket.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("Origins not split: %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.RateLimit.Requests != 5 {
		t.Errorf("Rate limit env not applied: %+v", cfg.RateLimit)
	}
	if cfg.Telemetry.Endpoint != "http://localhost:4318" {
		t.Errorf("Telemetry env not applied: %+v", cfg.Telemetry)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Env config should validate: %v", err)
	}
}

func TestConfig_LoadFromEnvInvalidDuration(t *testing.T) {
	t.Setenv("CODEPAIR_HTTP_READ_TIMEOUT", "soon")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected parse error for invalid duration")
	}
}

func TestConfig_LoadFromFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codepair.json")
	body := `{
		"http": {"addr": ":7000", "operation_timeout": "5s"},
		"database": {"path": "/var/lib/codepair.db"},
		"provider": {"mode": "memory", "timeout": "2s"},
		"websocket": {"allowed_origins": ["https://app.example.com"]},
		"rate_limit": {"requests": 0},
		"telemetry": {"enabled": false}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	base := validConfig()
	cfg, err := LoadFromFile(path, base)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.HTTP.Addr != ":7000" || cfg.HTTP.OperationTimeout != 5*time.Second {
		t.Errorf("HTTP overlay not applied: %+v", cfg.HTTP)
	}
	if cfg.HTTP.ReadTimeout != base.HTTP.ReadTimeout {
		t.Error("Absent fields should keep the base value")
	}
	if cfg.Database.Path != "/var/lib/codepair.db" {
		t.Errorf("Database overlay not applied: %q", cfg.Database.Path)
	}
	if cfg.Provider.Timeout != 2*time.Second {
		t.Errorf("Provider overlay not applied: %v", cfg.Provider.Timeout)
	}
	if len(cfg.WebSocket.AllowedOrigins) != 1 {
		t.Errorf("Origins overlay not applied: %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.RateLimit.Requests != 0 {
		t.Error("Explicit zero should disable rate limiting")
	}
	if cfg.Telemetry.Enabled {
		t.Error("Explicit false should disable telemetry")
	}
	if cfg.Auth.Secret != "test-secret" {
		t.Error("Secret from the base config must survive the overlay")
	}
	if base.HTTP.Addr != ":8080" {
		t.Error("Overlay must not mutate the base config")
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(dir, "missing.json"), nil); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"http": `), 0o600)
	if _, err := LoadFromFile(bad, nil); err == nil {
		t.Error("Expected error for malformed JSON")
	}

	badDuration := filepath.Join(dir, "duration.json")
	_ = os.WriteFile(badDuration, []byte(`{"http": {"read_timeout": "forever"}}`), 0o600)
	_, err := LoadFromFile(badDuration, nil)
	if err == nil || !strings.Contains(err.Error(), "http.read_timeout") {
		t.Errorf("Expected field name in duration error, got %v", err)
	}
}

func TestConfig_LoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codepair.json")
	_ = os.WriteFile(path, []byte(`{"http": {"addr": ":7100"}}`), 0o600)

	t.Setenv("CODEPAIR_AUTH_SECRET", "env-secret")
	t.Setenv("CODEPAIR_HTTP_ADDR", ":7200")
	t.Setenv("CODEPAIR_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("CODEPAIR_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":7100" {
		t.Errorf("File should win over env, got %q", cfg.HTTP.Addr)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Env should win over defaults, got %q", cfg.Database.Path)
	}
}

func TestConfig_LoadRequiresSecret(t *testing.T) {
	t.Setenv("CODEPAIR_AUTH_SECRET", "")
	t.Setenv("CODEPAIR_CONFIG_FILE", "")

	if _, err := Load(); err == nil {
		t.Error("Expected validation error without auth secret")
	}
}
