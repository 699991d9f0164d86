// Package config handles configuration loading from the environment, with an
// optional YAML file supporting ${VAR} expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/Dolores18/api-manager/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Pool        PoolConfig        `yaml:"pool"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Seeds       []SeedProvider    `yaml:"seeds"`
}

// AppConfig holds HTTP server settings.
type AppConfig struct {
	Environment        string        `yaml:"environment"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	LogLevel           string        `yaml:"log_level"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DatabaseConfig holds SQLite settings. URL takes precedence over Path when
// both are set.
type DatabaseConfig struct {
	URL               string `yaml:"url"`
	Path              string `yaml:"path"`
	EnableWAL         bool   `yaml:"enable_wal"`
	EnableForeignKeys bool   `yaml:"enable_foreign_keys"`
	MaxConnections    int    `yaml:"max_connections"`
}

// DSN returns the SQLite data source, preferring the explicit URL.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return strings.TrimPrefix(d.URL, "sqlite://")
	}
	return d.Path
}

// AuthConfig holds admin JWT settings. Consumed by the admin auth layer,
// which sits outside the dispatch core.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	AdminUsername string        `yaml:"admin_username"`
	AdminEmail    string        `yaml:"admin_email"`
	AdminPassword string        `yaml:"admin_password"`
}

// PoolConfig bounds the in-memory provider pool.
type PoolConfig struct {
	MaxSize     int           `yaml:"max_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HealthCheckConfig controls the balance reconciler cadence.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SeedProvider is a credential admitted on startup.
type SeedProvider struct {
	Type    gateway.ProviderType `yaml:"type"`
	APIKey  string               `yaml:"api_key"`
	BaseURL string               `yaml:"base_url"`
	Model   string               `yaml:"model"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds a Config from defaults, an optional YAML file at path, and
// finally the process environment. Environment variables win.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			Environment:     "development",
			Host:            "0.0.0.0",
			Port:            3000,
			LogLevel:        "info",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:              "api_manager.db",
			EnableWAL:         true,
			EnableForeignKeys: false,
			MaxConnections:    4,
		},
		Auth: AuthConfig{
			JWTExpiration: 24 * time.Hour,
		},
		Pool: PoolConfig{
			MaxSize:     100,
			IdleTimeout: 60 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Interval: 300 * time.Second,
			Timeout:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// applyEnv overlays the documented environment variables onto cfg.
func (c *Config) applyEnv() error {
	setString(&c.App.Environment, "APP_ENVIRONMENT")
	setString(&c.App.Host, "APP_HOST")
	if err := setInt(&c.App.Port, "APP_PORT"); err != nil {
		return err
	}
	setString(&c.App.LogLevel, "LOG_LEVEL")
	if v, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok {
		c.App.CORSAllowedOrigins = splitAndTrim(v)
	}

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Path, "SQLITE_PATH")
	if err := setBool(&c.Database.EnableWAL, "SQLITE_ENABLE_WAL"); err != nil {
		return err
	}
	if err := setBool(&c.Database.EnableForeignKeys, "SQLITE_ENABLE_FOREIGN_KEYS"); err != nil {
		return err
	}
	if err := setInt(&c.Database.MaxConnections, "SQLITE_MAX_CONNECTIONS"); err != nil {
		return err
	}

	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	if err := setDuration(&c.Auth.JWTExpiration, "JWT_EXPIRATION"); err != nil {
		return err
	}
	setString(&c.Auth.AdminUsername, "ADMIN_USERNAME")
	setString(&c.Auth.AdminEmail, "ADMIN_EMAIL")
	setString(&c.Auth.AdminPassword, "ADMIN_PASSWORD")

	if err := setInt(&c.Pool.MaxSize, "POOL_MAX_SIZE"); err != nil {
		return err
	}
	if err := setDuration(&c.Pool.IdleTimeout, "POOL_IDLE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.HealthCheck.Interval, "HEALTH_CHECK_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.HealthCheck.Timeout, "HEALTH_CHECK_TIMEOUT"); err != nil {
		return err
	}

	c.Seeds = append(c.Seeds, envSeeds()...)
	return nil
}

// envSeeds collects the optional per-vendor seed credentials.
func envSeeds() []SeedProvider {
	types := []struct {
		prefix string
		typ    gateway.ProviderType
	}{
		{"OPENAI", gateway.ProviderOpenAI},
		{"ANTHROPIC", gateway.ProviderAnthropic},
		{"DEEPSEEK", gateway.ProviderDeepSeek},
	}
	var seeds []SeedProvider
	for _, t := range types {
		key, ok := os.LookupEnv(t.prefix + "_API_KEY")
		if !ok || key == "" {
			continue
		}
		seeds = append(seeds, SeedProvider{
			Type:    t.typ,
			APIKey:  key,
			BaseURL: os.Getenv(t.prefix + "_BASE_URL"),
			Model:   gateway.DefaultModel,
		})
	}
	return seeds
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// setDuration accepts Go duration strings ("5m") and bare seconds ("300").
func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
