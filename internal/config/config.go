// Package config loads and validates the engine's runtime configuration.
// Values are sourced from the environment, with an optional YAML file
// overlay, and validated with struct tags the way the donor application's
// internal/config package validates its nested sections.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Environment string `yaml:"environment" validate:"required,oneof=development staging production test"`
	LogLevel    string `yaml:"log_level" validate:"required,oneof=debug info warn error"`

	Table TableConfig `yaml:"table" validate:"required"`
	Audit AuditConfig `yaml:"audit" validate:"omitempty"`
	Blob  BlobConfig  `yaml:"blob" validate:"required"`
	Query QueryConfig `yaml:"query" validate:"required"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// TableConfig describes the primary single-table backend.
type TableConfig struct {
	Name     string `yaml:"name" validate:"required,min=3,max=255"`
	Region   string `yaml:"region" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"` // for DynamoDB Local
}

// AuditConfig optionally routes audit-log items to a physically separate
// table, per spec.md §4.5.5. When Name is empty, the engine aliases the
// audit sink to the primary table.
type AuditConfig struct {
	Name     string `yaml:"name" validate:"omitempty,min=3,max=255"`
	Region   string `yaml:"region" validate:"omitempty"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

func (a AuditConfig) SeparateTable() bool { return a.Name != "" }

// BlobConfig configures the object-store side and the cache in front of it.
type BlobConfig struct {
	Bucket    string `yaml:"bucket" validate:"required"`
	KeyPrefix string `yaml:"key_prefix"`
	Region    string `yaml:"region" validate:"required"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`

	CacheMaxItems        int           `yaml:"cache_max_items" validate:"min=0"`
	CacheMaxSizeBytes     int64         `yaml:"cache_max_size_bytes" validate:"min=0"`
	CacheMaxItemSizeBytes int64         `yaml:"cache_max_item_size_bytes" validate:"min=0"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
}

// QueryConfig holds the defaults for paginated_query (spec.md §4.3.1).
type QueryConfig struct {
	DefaultResultsLimit    int `yaml:"default_results_limit" validate:"min=1"`
	DefaultMaxAPICalls     int `yaml:"default_max_api_calls" validate:"min=1"`
	DefaultFilterMultiplier int `yaml:"default_filter_multiplier" validate:"min=1"`
}

// CircuitBreakerConfig wraps backend RPCs, adapted from the donor's
// internal/middleware.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"omitempty,min=0,max=1"`
	MinRequests      uint32        `yaml:"min_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// TracingConfig controls span emission; there is no network collector
// concept here (see DESIGN.md) so this only toggles instrumentation.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Defaults mirror simplesingletable's Constants (SYSTEM_DEFAULT_LIMIT=250,
// QUERY_DEFAULT_MAX_API_CALLS=10) and the spec.md §4.3.1 defaults.
func Defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		Query: QueryConfig{
			DefaultResultsLimit:     250,
			DefaultMaxAPICalls:      10,
			DefaultFilterMultiplier: 3,
		},
		Blob: BlobConfig{
			CacheMaxItems:         1000,
			CacheMaxSizeBytes:     100 * 1024 * 1024,
			CacheMaxItemSizeBytes: 1024 * 1024,
			CacheTTL:              15 * time.Minute,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 0.6,
			MinRequests:      3,
			Interval:         10 * time.Second,
			Timeout:          30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "singletable",
		},
	}
}

// Load builds a Config starting from Defaults, overlaying an optional YAML
// file (yamlPath, skipped if empty or missing) and then environment
// variables, and validates the result.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("ENVIRONMENT", &cfg.Environment)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("TABLE_NAME", &cfg.Table.Name)
	str("TABLE_REGION", &cfg.Table.Region)
	str("TABLE_ENDPOINT", &cfg.Table.Endpoint)
	str("AUDIT_TABLE_NAME", &cfg.Audit.Name)
	str("AUDIT_TABLE_REGION", &cfg.Audit.Region)
	str("AUDIT_TABLE_ENDPOINT", &cfg.Audit.Endpoint)
	str("BLOB_BUCKET", &cfg.Blob.Bucket)
	str("BLOB_KEY_PREFIX", &cfg.Blob.KeyPrefix)
	str("BLOB_REGION", &cfg.Blob.Region)
	str("BLOB_ENDPOINT", &cfg.Blob.Endpoint)
	num("QUERY_DEFAULT_RESULTS_LIMIT", &cfg.Query.DefaultResultsLimit)
	num("QUERY_DEFAULT_MAX_API_CALLS", &cfg.Query.DefaultMaxAPICalls)
}
