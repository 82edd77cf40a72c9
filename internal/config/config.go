package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "CODEPAIR_"

// Provider modes
const (
	ProviderMemory = "memory"
	ProviderStream = "stream"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	Database  DatabaseConfig  `json:"database" envPrefix:"DATABASE_"`
	Auth      AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Provider  ProviderConfig  `json:"provider" envPrefix:"PROVIDER_"`
	WebSocket WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	RateLimit RateLimitConfig `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Telemetry TelemetryConfig `json:"telemetry" envPrefix:"OTEL_"`
}

// FUNCTIONAL DISCOVERY: OperationTimeout bounds the store and provider calls of
// one API request; the server timeouts bound the connection itself
type HTTPConfig struct {
	Addr             string        `json:"addr" env:"ADDR" envDefault:":8080"`
	ReadTimeout      time.Duration `json:"read_timeout" env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout     time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"30s"`
	OperationTimeout time.Duration `json:"operation_timeout" env:"OPERATION_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type DatabaseConfig struct {
	Path           string        `json:"path" env:"PATH" envDefault:"./data/codepair.db"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS" envDefault:"10"`
	Timeout        time.Duration `json:"timeout" env:"TIMEOUT" envDefault:"30s"`
	MigrationsPath string        `json:"migrations_path" env:"MIGRATIONS_PATH"`
}

// AuthConfig verifies bearer tokens issued by the identity provider
type AuthConfig struct {
	Secret   string        `json:"-" env:"SECRET"`
	Issuer   string        `json:"issuer" env:"ISSUER"`
	Audience string        `json:"audience" env:"AUDIENCE"`
	Leeway   time.Duration `json:"leeway" env:"LEEWAY" envDefault:"30s"`
}

// ProviderConfig selects and configures the external call and chat backend
type ProviderConfig struct {
	Mode         string        `json:"mode" env:"MODE" envDefault:"memory"`
	APIKey       string        `json:"api_key" env:"API_KEY"`
	APISecret    string        `json:"-" env:"API_SECRET"`
	VideoURL     string        `json:"video_url" env:"VIDEO_URL" envDefault:"https://video.stream-io-api.com"`
	ChatURL      string        `json:"chat_url" env:"CHAT_URL" envDefault:"https://chat.stream-io-api.com"`
	Timeout      time.Duration `json:"timeout" env:"TIMEOUT" envDefault:"10s"`
	ChatTokenTTL time.Duration `json:"chat_token_ttl" env:"CHAT_TOKEN_TTL" envDefault:"24h"`
}

// WebSocketConfig restricts browser origins for the watch stream and CORS.
// Empty allows every origin.
type WebSocketConfig struct {
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// RateLimitConfig is a per-user fixed window. Requests <= 0 disables it.
type RateLimitConfig struct {
	Requests int           `json:"requests" env:"REQUESTS" envDefault:"120"`
	Window   time.Duration `json:"window" env:"WINDOW" envDefault:"1m"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" env:"ENABLED" envDefault:"true"`
	Endpoint    string `json:"endpoint" env:"ENDPOINT"`
	ServiceName string `json:"service_name" env:"SERVICE_NAME" envDefault:"codepair"`
}

// DefaultConfig returns the envDefault values with no environment applied
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{},
	}); err != nil {
		// envDefault tags are constants; a failure here is a programming error
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ConfigFile is the JSON overlay. Durations are strings ("30s") and absent
// fields leave the base value untouched.
type ConfigFile struct {
	HTTP *struct {
		Addr             string `json:"addr"`
		ReadTimeout      string `json:"read_timeout"`
		WriteTimeout     string `json:"write_timeout"`
		OperationTimeout string `json:"operation_timeout"`
		ShutdownTimeout  string `json:"shutdown_timeout"`
	} `json:"http"`
	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
		Timeout        string `json:"timeout"`
		MigrationsPath string `json:"migrations_path"`
	} `json:"database"`
	Auth *struct {
		Issuer   string `json:"issuer"`
		Audience string `json:"audience"`
		Leeway   string `json:"leeway"`
	} `json:"auth"`
	Provider *struct {
		Mode         string `json:"mode"`
		APIKey       string `json:"api_key"`
		VideoURL     string `json:"video_url"`
		ChatURL      string `json:"chat_url"`
		Timeout      string `json:"timeout"`
		ChatTokenTTL string `json:"chat_token_ttl"`
	} `json:"provider"`
	WebSocket *struct {
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"websocket"`
	RateLimit *struct {
		Requests *int   `json:"requests"`
		Window   string `json:"window"`
	} `json:"rate_limit"`
	Telemetry *struct {
		Enabled     *bool  `json:"enabled"`
		Endpoint    string `json:"endpoint"`
		ServiceName string `json:"service_name"`
	} `json:"telemetry"`
}

// LoadFromFile overlays the JSON file at path onto base.
// TECHNICAL DISCOVERY: Secrets are never read from the file; they only come
// from the environment
func LoadFromFile(path string, base *Config) (*Config, error) {
	if base == nil {
		base = DefaultConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := *base
	cfg.WebSocket.AllowedOrigins = append([]string(nil), base.WebSocket.AllowedOrigins...)

	var errs []error
	duration := func(field, raw string, dst *time.Duration) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(raw string, dst *string) {
		if raw != "" {
			*dst = raw
		}
	}

	if f := file.HTTP; f != nil {
		str(f.Addr, &cfg.HTTP.Addr)
		duration("http.read_timeout", f.ReadTimeout, &cfg.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &cfg.HTTP.WriteTimeout)
		duration("http.operation_timeout", f.OperationTimeout, &cfg.HTTP.OperationTimeout)
		duration("http.shutdown_timeout", f.ShutdownTimeout, &cfg.HTTP.ShutdownTimeout)
	}
	if f := file.Database; f != nil {
		str(f.Path, &cfg.Database.Path)
		if f.MaxConnections > 0 {
			cfg.Database.MaxConnections = f.MaxConnections
		}
		duration("database.timeout", f.Timeout, &cfg.Database.Timeout)
		str(f.MigrationsPath, &cfg.Database.MigrationsPath)
	}
	if f := file.Auth; f != nil {
		str(f.Issuer, &cfg.Auth.Issuer)
		str(f.Audience, &cfg.Auth.Audience)
		duration("auth.leeway", f.Leeway, &cfg.Auth.Leeway)
	}
	if f := file.Provider; f != nil {
		str(f.Mode, &cfg.Provider.Mode)
		str(f.APIKey, &cfg.Provider.APIKey)
		str(f.VideoURL, &cfg.Provider.VideoURL)
		str(f.ChatURL, &cfg.Provider.ChatURL)
		duration("provider.timeout", f.Timeout, &cfg.Provider.Timeout)
		duration("provider.chat_token_ttl", f.ChatTokenTTL, &cfg.Provider.ChatTokenTTL)
	}
	if f := file.WebSocket; f != nil && f.AllowedOrigins != nil {
		cfg.WebSocket.AllowedOrigins = f.AllowedOrigins
	}
	if f := file.RateLimit; f != nil {
		if f.Requests != nil {
			cfg.RateLimit.Requests = *f.Requests
		}
		duration("rate_limit.window", f.Window, &cfg.RateLimit.Window)
	}
	if f := file.Telemetry; f != nil {
		if f.Enabled != nil {
			cfg.Telemetry.Enabled = *f.Enabled
		}
		str(f.Endpoint, &cfg.Telemetry.Endpoint)
		str(f.ServiceName, &cfg.Telemetry.ServiceName)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config file %s: %w", path, errors.Join(errs...))
	}
	return &cfg, nil
}

// Load reads the environment, overlays the optional file named by
// CODEPAIR_CONFIG_FILE and validates the result
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func Load() (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		cfg, err = LoadFromFile(path, cfg)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("HTTP address cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP read and write timeouts must be positive")
	}
	if c.HTTP.OperationTimeout <= 0 {
		return fmt.Errorf("HTTP operation timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("%sAUTH_SECRET is required", EnvPrefix)
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	switch c.Provider.Mode {
	case ProviderMemory:
	case ProviderStream:
		if c.Provider.APIKey == "" || c.Provider.APISecret == "" {
			return fmt.Errorf("stream provider requires %sPROVIDER_API_KEY and %sPROVIDER_API_SECRET", EnvPrefix, EnvPrefix)
		}
		if c.Provider.VideoURL == "" || c.Provider.ChatURL == "" {
			return fmt.Errorf("stream provider requires video and chat URLs")
		}
	default:
		return fmt.Errorf("unknown provider mode %q (want %s or %s)", c.Provider.Mode, ProviderMemory, ProviderStream)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	return nil
}
