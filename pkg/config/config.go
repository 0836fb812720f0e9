// Package config loads the kernel's runtime configuration: a YAML file
// with environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the full kernel configuration.
type Config struct {
	Port     string `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Governance  GovernanceConfig  `yaml:"governance" json:"governance"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Export      ExportConfig      `yaml:"export" json:"export"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
}

// StorageConfig selects the ledger + idempotency backend.
type StorageConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend" json:"backend"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	// PostgresURL is the DSN for the postgres backend.
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`
}

// IdempotencyConfig tunes reservation behavior.
type IdempotencyConfig struct {
	// WaitMode is WAIT or FAIL_FAST for concurrent duplicate keys.
	WaitMode string `yaml:"wait_mode" json:"wait_mode"`
	// RedisAddr, when set, moves reservations to Redis so multiple
	// kernel nodes share one key space. Empty keeps them in the
	// storage backend.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	// RedisTTL bounds how long an unconsumed reservation survives.
	RedisTTL time.Duration `yaml:"redis_ttl" json:"redis_ttl"`
}

// AuthConfig controls caller authentication.
type AuthConfig struct {
	// TokenSeedHex is an optional 64-char hex Ed25519 seed; empty means
	// an ephemeral per-process key.
	TokenSeedHex string `yaml:"token_seed_hex" json:"-"`
}

// GovernanceConfig controls the gating evaluator.
type GovernanceConfig struct {
	AuthorizedRoles     []string `yaml:"authorized_roles" json:"authorized_roles"`
	EnforceSingleActive bool     `yaml:"enforce_single_active" json:"enforce_single_active"`
	// SigningKeyHex is the hex Ed25519 public key artifact signatures
	// must verify against. Empty disables signature checking.
	SigningKeyHex string `yaml:"signing_key_hex" json:"signing_key_hex"`
	// Rules are CEL expressions over the request; all must hold.
	Rules []string `yaml:"rules" json:"rules"`
}

// RateLimitConfig bounds request rates.
type RateLimitConfig struct {
	// TenantRPS/TenantBurst apply per tenant inside the dispatcher.
	TenantRPS   float64 `yaml:"tenant_rps" json:"tenant_rps"`
	TenantBurst int     `yaml:"tenant_burst" json:"tenant_burst"`
	// EdgeRPS/EdgeBurst apply per client IP at the HTTP edge.
	EdgeRPS   int `yaml:"edge_rps" json:"edge_rps"`
	EdgeBurst int `yaml:"edge_burst" json:"edge_burst"`
}

// ExportConfig controls evidence pack uploads.
type ExportConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address; empty disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		Storage:  StorageConfig{Backend: StorageMemory},
		Idempotency: IdempotencyConfig{
			WaitMode: "WAIT",
			RedisTTL: 24 * time.Hour,
		},
		Governance: GovernanceConfig{
			AuthorizedRoles: []string{"selene-orchestrator"},
		},
		RateLimit: RateLimitConfig{
			TenantRPS:   50,
			TenantBurst: 100,
			EdgeRPS:     100,
			EdgeBurst:   200,
		},
		Telemetry: TelemetryConfig{ServiceName: "selene-kernel"},
	}
}

// Load reads the YAML file named by SELENE_CONFIG (if set), then applies
// environment overrides, then validates.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SELENE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Storage.PostgresURL, "DATABASE_URL")
	setString(&c.Idempotency.WaitMode, "IDEMPOTENCY_WAIT_MODE")
	setString(&c.Idempotency.RedisAddr, "REDIS_ADDR")
	setString(&c.Auth.TokenSeedHex, "TOKEN_SEED")
	setString(&c.Export.Bucket, "EXPORT_BUCKET")
	setString(&c.Export.Region, "EXPORT_REGION")
	setString(&c.Export.Endpoint, "EXPORT_ENDPOINT")
	setString(&c.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
	if v := os.Getenv("TENANT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.TenantRPS = rps
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the kernel cannot start from.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: sqlite backend requires sqlite_path")
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("config: postgres backend requires postgres_url")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Idempotency.WaitMode {
	case "WAIT", "FAIL_FAST":
	default:
		return fmt.Errorf("config: wait_mode must be WAIT or FAIL_FAST, got %q", c.Idempotency.WaitMode)
	}
	if len(c.Governance.AuthorizedRoles) == 0 {
		return fmt.Errorf("config: governance requires at least one authorized role")
	}
	return nil
}
