package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_PG_PASSWORD", "hunter2")
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"
  public_url: "https://ultralight.example"
  shutdown_timeout: "30s"
database:
  postgres_dsn: "postgres://gw:${TEST_PG_PASSWORD}@db/gw"
  conn_max_lifetime: "10m"
auth:
  jwt_secret: "s3cret"
  grant_cache_ttl: "1m"
limits:
  default_per_minute: 90
  per_minute:
    publish: 5
  tiers:
    team:
      weekly: 200000
discovery:
  seed: 42
economics:
  min_balance_cents: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.PostgresDSN != "postgres://gw:hunter2@db/gw" {
		t.Errorf("Database.PostgresDSN = %q, want expanded password", cfg.Database.PostgresDSN)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.ConnMaxLifetime != 10*time.Minute {
		t.Errorf("Database.ConnMaxLifetime = %v", cfg.Database.ConnMaxLifetime)
	}
	if cfg.Auth.GrantCacheTTL != time.Minute {
		t.Errorf("Auth.GrantCacheTTL = %v", cfg.Auth.GrantCacheTTL)
	}
	// Unset in the file: default kept.
	if cfg.Auth.APIKeyCacheTTL != 30*time.Second {
		t.Errorf("Auth.APIKeyCacheTTL = %v, want default", cfg.Auth.APIKeyCacheTTL)
	}
	if cfg.Discovery.Seed != 42 {
		t.Errorf("Discovery.Seed = %d", cfg.Discovery.Seed)
	}
	if cfg.Economics.MinBalanceCents != 500 {
		t.Errorf("Economics.MinBalanceCents = %d", cfg.Economics.MinBalanceCents)
	}

	pol := cfg.RatePolicies()
	if pol.Default.Limit != 90 || pol.Default.Window != time.Minute {
		t.Errorf("default policy = %+v", pol.Default)
	}
	if got := pol.For("publish").Limit; got != 5 {
		t.Errorf("publish limit = %d, want 5", got)
	}
	if got := pol.For("initialize").Limit; got != 20 {
		t.Errorf("initialize limit = %d, want default 20", got)
	}

	tiers := cfg.TierQuotas()
	if tiers["team"].Limit != 200000 || tiers["team"].Hard {
		t.Errorf("team tier = %+v", tiers["team"])
	}
	if !tiers["free"].Hard {
		t.Error("free tier should stay hard")
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.PostgresDSN != "" {
		t.Errorf("Database.PostgresDSN = %q, want empty", cfg.Database.PostgresDSN)
	}
	if cfg.Sink.Workers != 4 {
		t.Errorf("Sink.Workers = %d", cfg.Sink.Workers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("POSTGRES_DSN", "postgres://env")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_MIN_BALANCE_CENTS", "250")
	path := writeConfig(t, `
server:
  http_addr: ":9000"
database:
  postgres_dsn: "postgres://file"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":7070" {
		t.Errorf("Server.HTTPAddr = %q, want env override", cfg.Server.HTTPAddr)
	}
	if cfg.Database.PostgresDSN != "postgres://env" {
		t.Errorf("Database.PostgresDSN = %q, want env override", cfg.Database.PostgresDSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Economics.MinBalanceCents != 250 {
		t.Errorf("Economics.MinBalanceCents = %d", cfg.Economics.MinBalanceCents)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "server: [", "parsing config file"},
		{"bad duration", "server:\n  shutdown_timeout: soon\n", "shutdown_timeout"},
		{"zero rate", "limits:\n  per_minute:\n    publish: 0\n", "per_minute[publish]"},
		{"negative tier", "limits:\n  tiers:\n    free:\n      weekly: -1\n", "tiers[free]"},
		{"negative balance", "economics:\n  min_balance_cents: -5\n", "min_balance_cents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("dsn: ${ULTRALIGHT_TEST_UNSET_VAR}/db")
	if got != "dsn: /db" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
