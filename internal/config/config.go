// Package config loads the gateway configuration from a YAML file with
// ${VAR} expansion, then applies environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evrydayimruslin/ultralight-sub003/internal/ratelimit"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Auth       AuthConfig       `yaml:"auth"`
	Limits     LimitsConfig     `yaml:"limits"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Economics  EconomicsConfig  `yaml:"economics"`
	Sink       SinkConfig       `yaml:"sink"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// HealthAddr serves the gRPC health service. Empty disables it.
	HealthAddr string `yaml:"health_addr"`
	// PublicURL prefixes share links.
	PublicURL    string `yaml:"public_url"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures Postgres. Without a DSN every store is kept in
// process memory.
type DatabaseConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`

	ConnMaxLifetime    time.Duration `yaml:"-"`
	ConnMaxLifetimeRaw string        `yaml:"conn_max_lifetime"`
}

type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// DiscoveryURL is advertised to clients that fail authentication.
	DiscoveryURL string `yaml:"discovery_url"`

	APIKeyCacheTTL    time.Duration `yaml:"-"`
	APIKeyCacheTTLRaw string        `yaml:"api_key_cache_ttl"`
	GrantCacheTTL     time.Duration `yaml:"-"`
	GrantCacheTTLRaw  string        `yaml:"grant_cache_ttl"`
}

type LimitsConfig struct {
	// DefaultPerMinute applies to methods without an entry in PerMinute.
	DefaultPerMinute    int                   `yaml:"default_per_minute"`
	PerMinute           map[string]int        `yaml:"per_minute"`
	Tiers               map[string]TierConfig `yaml:"tiers"`
	MaintenanceSchedule string                `yaml:"maintenance_schedule"`
}

// TierConfig is a tier's weekly call allowance.
type TierConfig struct {
	Weekly int  `yaml:"weekly"`
	Hard   bool `yaml:"hard"`
}

type DiscoveryConfig struct {
	EmbeddingURL       string `yaml:"embedding_url"`
	EmbeddingModel     string `yaml:"embedding_model"`
	EmbeddingKey       string `yaml:"embedding_key"`
	PopularitySchedule string `yaml:"popularity_schedule"`
	// Seed fixes the luck shuffle. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

type SecretsConfig struct {
	// AgeIdentity is an AGE-SECRET-KEY-1 string. Empty generates an
	// ephemeral identity.
	AgeIdentity string `yaml:"age_identity"`
}

type SandboxConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type EconomicsConfig struct {
	// MinBalanceCents gates non-private visibility.
	MinBalanceCents int `yaml:"min_balance_cents"`
}

type SinkConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           ":8080",
			HealthAddr:         ":8081",
			PublicURL:          "http://localhost:8080",
			MaxBodyBytes:       8 << 20,
			ShutdownTimeoutRaw: "15s",
		},
		Database: DatabaseConfig{
			MaxOpenConns:       10,
			MaxIdleConns:       5,
			ConnMaxLifetimeRaw: "5m",
		},
		Auth: AuthConfig{
			APIKeyCacheTTLRaw: "30s",
			GrantCacheTTLRaw:  "30s",
		},
		Limits: LimitsConfig{
			DefaultPerMinute: 120,
			PerMinute: map[string]int{
				"capabilities/invoke": 60,
				"initialize":          20,
			},
			Tiers: map[string]TierConfig{
				"free": {Weekly: 1000, Hard: true},
				"pro":  {Weekly: 50000, Hard: false},
			},
			MaintenanceSchedule: "*/5 * * * *",
		},
		Discovery: DiscoveryConfig{
			EmbeddingModel:     "text-embedding-3-small",
			PopularitySchedule: "*/15 * * * *",
		},
		Sink: SinkConfig{
			QueueSize: 1024,
			Workers:   4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or nothing when
// it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv lets deployment environments override the file.
func applyEnv(cfg *Config) {
	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		cfg.Server.HTTPAddr = ":" + port
	}
	if port := os.Getenv("GATEWAY_HEALTH_PORT"); port != "" {
		cfg.Server.HealthAddr = ":" + port
	}
	cfg.Server.PublicURL = envOrDefault("GATEWAY_PUBLIC_URL", cfg.Server.PublicURL)
	cfg.Database.PostgresDSN = envOrDefault("POSTGRES_DSN", cfg.Database.PostgresDSN)
	cfg.Database.MaxOpenConns = envOrDefaultInt("POSTGRES_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.ClickHouse.DSN = envOrDefault("CLICKHOUSE_DSN", cfg.ClickHouse.DSN)
	cfg.Auth.JWTSecret = envOrDefault("GATEWAY_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.DiscoveryURL = envOrDefault("GATEWAY_AUTH_DISCOVERY_URL", cfg.Auth.DiscoveryURL)
	cfg.Discovery.EmbeddingURL = envOrDefault("EMBEDDING_URL", cfg.Discovery.EmbeddingURL)
	cfg.Discovery.EmbeddingKey = envOrDefault("EMBEDDING_API_KEY", cfg.Discovery.EmbeddingKey)
	cfg.Secrets.AgeIdentity = envOrDefault("SECRETS_AGE_IDENTITY", cfg.Secrets.AgeIdentity)
	cfg.Sandbox.URL = envOrDefault("SANDBOX_URL", cfg.Sandbox.URL)
	cfg.Sandbox.Token = envOrDefault("SANDBOX_TOKEN", cfg.Sandbox.Token)
	cfg.Economics.MinBalanceCents = envOrDefaultInt("GATEWAY_MIN_BALANCE_CENTS", cfg.Economics.MinBalanceCents)
	cfg.Logging.Level = envOrDefault("GATEWAY_LOG_LEVEL", cfg.Logging.Level)
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.conn_max_lifetime", cfg.Database.ConnMaxLifetimeRaw, &cfg.Database.ConnMaxLifetime},
		{"auth.api_key_cache_ttl", cfg.Auth.APIKeyCacheTTLRaw, &cfg.Auth.APIKeyCacheTTL},
		{"auth.grant_cache_ttl", cfg.Auth.GrantCacheTTLRaw, &cfg.Auth.GrantCacheTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate returns the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Limits.DefaultPerMinute <= 0 {
		return fmt.Errorf("limits.default_per_minute must be positive")
	}
	for method, n := range c.Limits.PerMinute {
		if n <= 0 {
			return fmt.Errorf("limits.per_minute[%s] must be positive", method)
		}
	}
	for tier, t := range c.Limits.Tiers {
		if t.Weekly < 0 {
			return fmt.Errorf("limits.tiers[%s].weekly must not be negative", tier)
		}
	}
	if c.Economics.MinBalanceCents < 0 {
		return fmt.Errorf("economics.min_balance_cents must not be negative")
	}
	if c.Sink.QueueSize < 0 || c.Sink.Workers < 0 {
		return fmt.Errorf("sink sizes must not be negative")
	}
	return nil
}

// RatePolicies converts the per-minute limits.
func (c *Config) RatePolicies() ratelimit.Policies {
	p := ratelimit.Policies{
		Default:  ratelimit.Policy{Limit: c.Limits.DefaultPerMinute, Window: time.Minute},
		ByMethod: make(map[string]ratelimit.Policy, len(c.Limits.PerMinute)),
	}
	for method, n := range c.Limits.PerMinute {
		p.ByMethod[method] = ratelimit.Policy{Limit: n, Window: time.Minute}
	}
	return p
}

// TierQuotas converts the tier allowances. A zero allowance is unlimited.
func (c *Config) TierQuotas() map[string]ratelimit.TierQuota {
	out := make(map[string]ratelimit.TierQuota, len(c.Limits.Tiers))
	for tier, t := range c.Limits.Tiers {
		out[tier] = ratelimit.TierQuota{Limit: t.Weekly, Hard: t.Hard}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
