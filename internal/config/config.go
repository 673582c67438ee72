// Package config defines the gateway's startup configuration. Everything
// the core needs is declared here and injected explicitly at construction;
// no component reads ambient global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration tree.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Auth        AuthConfig         `yaml:"auth"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Proxy       ProxyConfig        `yaml:"proxy"`
	Deployments []DeploymentConfig `yaml:"deployments"`
	Pricing     PricingConfig      `yaml:"pricing"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Probes      ProbeConfig        `yaml:"probes"`
	Audit       AuditConfig        `yaml:"audit"`
	Secrets     SecretsConfig      `yaml:"secrets"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = unbounded; streams outlive any fixed write deadline
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig contains PostgreSQL settings. When Enabled is false the
// gateway runs entirely from in-memory stores seeded by this file.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN assembles a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig contains settings for the Redis audit stream.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls credential resolution.
type AuthConfig struct {
	KeyCacheTTL         time.Duration     `yaml:"key_cache_ttl"`
	TrustedProxies      []string          `yaml:"trusted_proxies"` // CIDRs allowed to assert identity headers
	TrustedUserHeader   string            `yaml:"trusted_user_header"`
	TrustedGroupsHeader string            `yaml:"trusted_groups_header"`
	ServiceTokenSecret  string            `yaml:"service_token_secret"` // secret ref: literal, env://NAME, vault://...
	ServiceTokenIssuer  string            `yaml:"service_token_issuer"`
	OIDC                OIDCConfig        `yaml:"oidc"`
	StaticKeys          []StaticKeyConfig `yaml:"static_keys"`
}

// OIDCConfig enables bearer ID-token verification against an issuer.
type OIDCConfig struct {
	Enabled    bool              `yaml:"enabled"`
	IssuerURL  string            `yaml:"issuer_url"`
	ClientID   string            `yaml:"client_id"`
	GroupRoles map[string]string `yaml:"group_roles"` // OIDC group -> waycast role
}

// StaticKeyConfig seeds an API key when running without a database.
// KeyHash is the SHA-256 hex digest of the full key.
type StaticKeyConfig struct {
	KeyHash string   `yaml:"key_hash"`
	UserID  string   `yaml:"user_id"`
	Email   string   `yaml:"email"`
	Roles   []string `yaml:"roles"`
	Models  []string `yaml:"models"`
	Admin   bool     `yaml:"admin"`
}

// RateLimitConfig sets admission-control defaults for deployments that
// carry no per-model limits of their own.
type RateLimitConfig struct {
	DefaultRequestsPerSecond float64       `yaml:"default_requests_per_second"`
	DefaultBurstSize         int           `yaml:"default_burst_size"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
	IdleTTL                  time.Duration `yaml:"idle_ttl"`
}

// ProxyConfig bounds the upstream relay.
type ProxyConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`     // dial + TLS
	FirstByteTimeout  time.Duration `yaml:"first_byte_timeout"`  // dispatch -> response headers
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"` // max gap between chunks
	RequestTimeout    time.Duration `yaml:"request_timeout"`     // buffered operations, end to end
	MaxResponseBytes  int64         `yaml:"max_response_bytes"`  // buffered responses only
	RetryOnce         bool          `yaml:"retry_once"`          // single retry for pre-output failures
}

// DeploymentConfig seeds a static deployment when running without a
// database, and is the shape the sync job writes through the store API.
type DeploymentConfig struct {
	Alias             string  `yaml:"alias"`
	UpstreamURL       string  `yaml:"upstream_url"`
	Kind              string  `yaml:"kind"` // openai | anthropic | cohere
	ModelID           string  `yaml:"model_id"`
	AuthHeaderName    string  `yaml:"auth_header_name"`
	AuthHeaderPrefix  string  `yaml:"auth_header_prefix"`
	CredentialRef     string  `yaml:"credential_ref"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	Inactive          bool    `yaml:"inactive"`
}

// PricingConfig declares where unit prices come from.
type PricingConfig struct {
	Source          string        `yaml:"source"` // static | postgres
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Static          []PriceConfig `yaml:"static"`
}

// PriceConfig is one pricing table row. PerToken sets a flat price for
// both directions; the split fields override it when non-zero. A
// trailing '*' in Model matches by prefix.
type PriceConfig struct {
	Model              string  `yaml:"model"`
	PerToken           float64 `yaml:"per_token"`
	PromptPerToken     float64 `yaml:"prompt_per_token"`
	CompletionPerToken float64 `yaml:"completion_per_token"`
}

// LedgerConfig controls debit behavior.
type LedgerConfig struct {
	DebitPolicy string `yaml:"debit_policy"` // reject | clamp | allow_negative
}

// Debit policies.
const (
	DebitReject        = "reject"
	DebitClamp         = "clamp"
	DebitAllowNegative = "allow_negative"
)

// ProbeConfig controls the probe-test entry point.
type ProbeConfig struct {
	ExemptRateLimit   *bool  `yaml:"exempt_rate_limit"`   // default true
	ExemptModelAccess *bool  `yaml:"exempt_model_access"` // default true
	Prompt            string `yaml:"prompt"`
	MaxTokens         int    `yaml:"max_tokens"`
}

// RateLimitExempt reports whether probe traffic skips admission control.
func (p ProbeConfig) RateLimitExempt() bool {
	return p.ExemptRateLimit == nil || *p.ExemptRateLimit
}

// ModelAccessExempt reports whether probe traffic skips the caller's
// model-access check.
func (p ProbeConfig) ModelAccessExempt() bool {
	return p.ExemptModelAccess == nil || *p.ExemptModelAccess
}

// AuditConfig wires the fire-and-forget audit handoff.
type AuditConfig struct {
	BufferSize  int              `yaml:"buffer_size"`
	SinkTimeout time.Duration    `yaml:"sink_timeout"`
	Log         AuditLogConfig   `yaml:"log"`
	Redis       AuditRedisConfig `yaml:"redis"`
	S3          AuditS3Config    `yaml:"s3"`
}

// AuditLogConfig emits audit records to the process log.
type AuditLogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditRedisConfig appends audit records to a Redis stream.
type AuditRedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// AuditS3Config archives audit records to S3 as batched JSONL.
type AuditS3Config struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"` // custom endpoint for MinIO etc.
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Compression   bool          `yaml:"compression"`
}

// SecretsConfig configures resolvers for credential refs.
type SecretsConfig struct {
	Vault VaultConfig `yaml:"vault"`
}

// VaultConfig enables vault:// credential refs.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // approle | cert | token
	Token      string `yaml:"token"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// MetricsConfig exposes Prometheus metrics. AllowedCIDRs, when set,
// restricts the scrape endpoint to matching peers.
type MetricsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Path         string   `yaml:"path"`
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"` // grpc | http
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "waycast",
			Name:            "waycast",
			SSLMode:         "prefer",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			KeyCacheTTL:         30 * time.Second,
			TrustedUserHeader:   "X-Doubleword-User",
			TrustedGroupsHeader: "X-Doubleword-Groups",
		},
		RateLimit: RateLimitConfig{
			DefaultRequestsPerSecond: 10,
			DefaultBurstSize:         20,
			SweepInterval:            5 * time.Minute,
			IdleTTL:                  30 * time.Minute,
		},
		Proxy: ProxyConfig{
			ConnectTimeout:    10 * time.Second,
			FirstByteTimeout:  30 * time.Second,
			StreamIdleTimeout: 60 * time.Second,
			RequestTimeout:    5 * time.Minute,
			MaxResponseBytes:  100 << 20,
			RetryOnce:         true,
		},
		Pricing: PricingConfig{
			Source:          "static",
			RefreshInterval: time.Minute,
		},
		Ledger: LedgerConfig{
			DebitPolicy: DebitReject,
		},
		Probes: ProbeConfig{
			Prompt:    "ping",
			MaxTokens: 1,
		},
		Audit: AuditConfig{
			BufferSize:  1024,
			SinkTimeout: 5 * time.Second,
			Log:         AuditLogConfig{Enabled: true},
			Redis:       AuditRedisConfig{Stream: "waycast:audit", MaxLen: 100000},
			S3: AuditS3Config{
				FlushInterval: 10 * time.Second,
				BatchSize:     100,
				Compression:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/internal/metrics",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "waycast",
			SampleRate:  0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads and validates a YAML configuration file. Values not
// present in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

var validKinds = map[string]bool{"openai": true, "anthropic": true, "cohere": true}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Ledger.DebitPolicy {
	case DebitReject, DebitClamp, DebitAllowNegative:
	default:
		return fmt.Errorf("ledger.debit_policy must be reject, clamp, or allow_negative, got %q", c.Ledger.DebitPolicy)
	}

	switch c.Pricing.Source {
	case "static", "postgres":
	default:
		return fmt.Errorf("pricing.source must be static or postgres, got %q", c.Pricing.Source)
	}
	if c.Pricing.Source == "postgres" && !c.Database.Enabled {
		return fmt.Errorf("pricing.source postgres requires database.enabled")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be 0-1, got %v", c.Tracing.SampleRate)
		}
	}

	seen := make(map[string]bool, len(c.Deployments))
	for i, d := range c.Deployments {
		if d.Alias == "" {
			return fmt.Errorf("deployments[%d]: alias is required", i)
		}
		if seen[d.Alias] {
			return fmt.Errorf("deployments[%d]: duplicate alias %q", i, d.Alias)
		}
		seen[d.Alias] = true
		if d.UpstreamURL == "" {
			return fmt.Errorf("deployments[%d] (%s): upstream_url is required", i, d.Alias)
		}
		if !validKinds[d.Kind] {
			return fmt.Errorf("deployments[%d] (%s): unknown kind %q", i, d.Alias, d.Kind)
		}
		if d.RequestsPerSecond < 0 {
			return fmt.Errorf("deployments[%d] (%s): requests_per_second must be >= 0", i, d.Alias)
		}
		if d.BurstSize < 0 {
			return fmt.Errorf("deployments[%d] (%s): burst_size must be >= 0", i, d.Alias)
		}
	}

	for i, p := range c.Pricing.Static {
		if p.Model == "" {
			return fmt.Errorf("pricing.static[%d]: model is required", i)
		}
		if p.PerToken < 0 || p.PromptPerToken < 0 || p.CompletionPerToken < 0 {
			return fmt.Errorf("pricing.static[%d] (%s): prices must be >= 0", i, p.Model)
		}
	}

	if c.Audit.S3.Enabled && c.Audit.S3.Bucket == "" {
		return fmt.Errorf("audit.s3.bucket is required when audit.s3.enabled")
	}
	if c.Auth.OIDC.Enabled && c.Auth.OIDC.IssuerURL == "" {
		return fmt.Errorf("auth.oidc.issuer_url is required when auth.oidc.enabled")
	}
	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when secrets.vault.enabled")
	}

	return nil
}

// Warnings returns non-fatal configuration concerns for startup logging.
func (c *Config) Warnings() []string {
	var warns []string
	if c.Ledger.DebitPolicy == DebitAllowNegative {
		warns = append(warns, "ledger.debit_policy allow_negative lets partial-stream settlement drive balances below zero; the database CHECK constraint must be relaxed for it to take effect")
	}
	if !c.Database.Enabled && len(c.Auth.StaticKeys) == 0 && !c.Auth.OIDC.Enabled && len(c.Auth.TrustedProxies) == 0 {
		warns = append(warns, "no principal source configured: all requests will be rejected")
	}
	if !c.Database.Enabled && len(c.Deployments) == 0 {
		warns = append(warns, "no deployments configured and database disabled: all routing will fail")
	}
	if c.Server.WriteTimeout > 0 {
		warns = append(warns, "server.write_timeout is set: streaming responses longer than the timeout will be cut off")
	}
	return warns
}
