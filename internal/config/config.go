// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/plexus/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Cache      CacheConfig     `yaml:"cache"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Cooldown   CooldownConfig  `yaml:"cooldown"`
	A2A        A2AConfig       `yaml:"a2a"`
	Providers  []ProviderEntry `yaml:"providers"`
	Models     []ModelEntry    `yaml:"models"`
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

// RateLimitConfig holds the per-(keyName,routePath) rate limiter settings
// (spec.md §4.6). A2A_RATE_LIMIT_* env vars set the defaults; values in the
// config file take precedence over them.
type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Window           time.Duration `yaml:"window"`             // W, default 60s
	MaxRequests      int           `yaml:"max_requests"`       // M, default 120
	MaxStreamRequests int          `yaml:"max_stream_requests"` // M_stream, default 30
	MaxBuckets       int           `yaml:"max_buckets"`        // B, default 10000
}

// CooldownConfig controls the default cooldown duration (spec.md §6
// PROVIDER_COOLDOWN_MINUTES).
type CooldownConfig struct {
	DefaultMinutes int `yaml:"default_minutes"`
}

// A2AConfig controls the A2A task engine (spec.md §6 env vars).
type A2AConfig struct {
	IdempotencyRetentionHours int    `yaml:"idempotency_retention_hours"`
	DBTimeoutMs               int    `yaml:"db_timeout_ms"`
	PushAuthEncryptionKey     string `yaml:"push_auth_encryption_key"`
	PushAllowInsecureEndpoints bool  `yaml:"push_allow_insecure_endpoints"`
	PushMaxQueueDepth         int    `yaml:"push_max_queue_depth"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings. DSN falls back to DATA_DIR/plexus.db
// when unset (spec.md §6 DATA_DIR).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // "X-Admin-Key" bypass credential
}

// StringOrSlice unmarshals either a bare YAML string or a sequence of
// strings into a []string, for providerConfig.type (spec.md §3).
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// URLOrMap unmarshals providerConfig.api_base_url, which is either a bare
// URL string or a map keyed by dialect (spec.md §9 "Dynamic maps" note).
type URLOrMap struct {
	Single string
	Map    map[string]string
}

func (u *URLOrMap) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		u.Single = single
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	u.Map = m
	return nil
}

// ToDomain converts the config-file representation to gateway.BaseURL.
func (u URLOrMap) ToDomain() gateway.BaseURL {
	if u.Map != nil {
		return gateway.BaseURL{PerDialect: u.Map}
	}
	return gateway.BaseURL{Single: u.Single}
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name             string            `yaml:"name"`
	Type             StringOrSlice     `yaml:"type"`
	APIBaseURL       URLOrMap          `yaml:"api_base_url"`
	APIKey           string            `yaml:"api_key"`
	OAuthProvider    string            `yaml:"oauth_provider"`
	OAuthAccountPool []string          `yaml:"oauth_account_pool"`
	ForceTransformer string            `yaml:"force_transformer"`
	Headers          map[string]string `yaml:"headers"`
	ExtraBody        map[string]any    `yaml:"extra_body"`
	Discount         float64           `yaml:"discount"`
	Enabled          *bool             `yaml:"enabled"`
	Models           []string          `yaml:"models"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ToDomain converts a config-file provider entry to the domain ProviderConfig.
func (p ProviderEntry) ToDomain() gateway.ProviderConfig {
	return gateway.ProviderConfig{
		ID:               p.Name,
		Name:             p.Name,
		Type:             []string(p.Type),
		BaseURL:          p.APIBaseURL.ToDomain(),
		APIKey:           p.APIKey,
		OAuthProvider:    p.OAuthProvider,
		OAuthAccountPool: p.OAuthAccountPool,
		ForceTransformer: p.ForceTransformer,
		Headers:          p.Headers,
		ExtraBody:        p.ExtraBody,
		Discount:         p.Discount,
		Enabled:          p.IsEnabled(),
		Models:           p.Models,
	}
}

// TargetEntry is a single route target within a model entry.
type TargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PricingEntry holds per-million-token rates.
type PricingEntry struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// ModelEntry is a routable model-alias definition (spec.md §3 ModelConfig).
type ModelEntry struct {
	ID                string        `yaml:"id"`
	Targets           []TargetEntry `yaml:"targets"`
	AdditionalAliases []string      `yaml:"additional_aliases"`
	Pricing           *PricingEntry `yaml:"pricing"`
	AccessVia         []string      `yaml:"access_via"`
	Selector          string        `yaml:"selector"`
}

// ToDomain converts a config-file model entry to the domain ModelConfig.
func (m ModelEntry) ToDomain() gateway.ModelConfig {
	targets := make([]gateway.RouteTarget, len(m.Targets))
	for i, t := range m.Targets {
		targets[i] = gateway.RouteTarget{Provider: t.Provider, Model: t.Model}
	}
	var pricing *gateway.Pricing
	if m.Pricing != nil {
		pricing = &gateway.Pricing{InputPerMTok: m.Pricing.InputPerMTok, OutputPerMTok: m.Pricing.OutputPerMTok}
	}
	return gateway.ModelConfig{
		ID:                m.ID,
		Targets:           targets,
		AdditionalAliases: m.AdditionalAliases,
		Pricing:           pricing,
		AccessVia:         m.AccessVia,
		Selector:          m.Selector,
	}
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

func envInt(name string, def int) int {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Load reads and parses a YAML config file, expanding environment variables.
// The spec.md §6 environment variables supply the defaults; any field set in
// the file overrides them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: dataDir + "/plexus.db",
		},
		RateLimit: RateLimitConfig{
			Enabled:           envBool("A2A_RATE_LIMIT_ENABLED", true),
			Window:            time.Duration(envInt("A2A_RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
			MaxRequests:       envInt("A2A_RATE_LIMIT_MAX_REQUESTS", 120),
			MaxStreamRequests: envInt("A2A_RATE_LIMIT_MAX_STREAM_REQUESTS", 30),
			MaxBuckets:        envInt("A2A_RATE_LIMIT_MAX_BUCKETS", 10_000),
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Cooldown: CooldownConfig{
			DefaultMinutes: envInt("PROVIDER_COOLDOWN_MINUTES", 10),
		},
		A2A: A2AConfig{
			IdempotencyRetentionHours:  envInt("A2A_IDEMPOTENCY_RETENTION_HOURS", 24),
			DBTimeoutMs:                envInt("A2A_DB_TIMEOUT_MS", 10_000),
			PushAuthEncryptionKey:      os.Getenv("A2A_PUSH_AUTH_ENCRYPTION_KEY"),
			PushAllowInsecureEndpoints: envBool("A2A_PUSH_ALLOW_INSECURE_ENDPOINTS", false),
			PushMaxQueueDepth:          envInt("A2A_PUSH_MAX_QUEUE_DEPTH", 10_000),
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
