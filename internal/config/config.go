// Package config handles configuration loading for the abuse guard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"abuse-guard/internal/kafka"
)

// Config holds the complete application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Gate          GateConfig          `yaml:"gate"`
	Redis         RedisConfig         `yaml:"redis"`
	Store         StoreConfig         `yaml:"store"`
	Detection     DetectionConfig     `yaml:"detection"`
	Response      ResponseConfig      `yaml:"response"`
	BlockList     BlockListConfig     `yaml:"blocklist"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Retention     RetentionConfig     `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustProxy      bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header
	Production      bool          `yaml:"production"`  // Sanitize error messages
}

// AuthConfig holds admin API authentication settings.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
	// Operators maps an operator name to its key. The name is recorded as
	// the actor of every admin action taken with that key.
	Operators  map[string]string `yaml:"operators"`
	HeaderName string            `yaml:"header_name"`
}

// GateConfig controls the ingress gate in front of collaborator routes.
type GateConfig struct {
	// IdentifierPrefix is prepended to the client IP to form the identifier
	// events are reported under, e.g. "ip:203.0.113.7".
	IdentifierPrefix string   `yaml:"identifier_prefix"`
	PrincipalHeader  string   `yaml:"principal_header"`
	ExemptPaths      []string `yaml:"exempt_paths"`
}

// RedisConfig holds connection settings for the shared store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// StoreConfig controls how components talk to the shared store.
type StoreConfig struct {
	// Type is "redis" or "memory". Memory is for single-instance development only.
	Type              string        `yaml:"type"`
	OpTimeout         time.Duration `yaml:"op_timeout"`
	BlockCheckTimeout time.Duration `yaml:"block_check_timeout"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the store.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

// DetectionConfig holds pattern and alert settings.
type DetectionConfig struct {
	PatternsFile     string        `yaml:"patterns_file"`
	DisableBuiltins  bool          `yaml:"disable_builtins"`
	AlertRetention   time.Duration `yaml:"alert_retention"`
	ListScanMultiple int           `yaml:"list_scan_multiple"`
}

// ResponseConfig holds mitigation action settings.
type ResponseConfig struct {
	BlockTTL      time.Duration   `yaml:"block_ttl"`
	RevocationTTL time.Duration   `yaml:"revocation_ttl"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	MaxRetries    int             `yaml:"max_retries"`
	RetryBackoff  time.Duration   `yaml:"retry_backoff"`
}

// RateLimitConfig is the tightened budget installed by RATE_LIMIT.
type RateLimitConfig struct {
	Requests int64         `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Duration time.Duration `yaml:"duration"`
}

// BlockListConfig holds the ingress gate settings.
type BlockListConfig struct {
	// FailPolicy is "open" or "closed" for identifiers not known to be blocked
	// when the store is unreachable.
	FailPolicy    string `yaml:"fail_policy"`
	HintCacheSize int64  `yaml:"hint_cache_size"`
}

// NotificationsConfig holds ALERT_ADMIN delivery settings.
type NotificationsConfig struct {
	QueueSize      int               `yaml:"queue_size"`
	Workers        int               `yaml:"workers"`
	MaxRetries     int               `yaml:"max_retries"`
	InitialBackoff time.Duration     `yaml:"initial_backoff"`
	MaxBackoff     time.Duration     `yaml:"max_backoff"`
	SendTimeout    time.Duration     `yaml:"send_timeout"`
	RatePerSecond  float64           `yaml:"rate_per_second"`
	Burst          int               `yaml:"burst"`
	Webhook        WebhookConfig     `yaml:"webhook"`
	ShoutrrrURLs   []string          `yaml:"shoutrrr_urls"`
	Kafka          KafkaNotifyConfig `yaml:"kafka"`
}

// WebhookConfig holds generic webhook delivery settings.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// KafkaNotifyConfig publishes admin notifications to a Kafka topic.
type KafkaNotifyConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	HMACKey   string        `yaml:"hmac_key"`
	Retention time.Duration `yaml:"retention"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetentionConfig schedules maintenance jobs.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	kcfg := kafka.DefaultConfig()
	kcfg.Topic = "abuse-guard-alerts"

	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:    false,
			HeaderName: "X-API-Key",
		},
		Gate: GateConfig{
			IdentifierPrefix: "ip:",
			PrincipalHeader:  "X-Principal",
			ExemptPaths:      []string{"/health", "/metrics"},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     50,
			MinIdleConns: 5,
			MaxRetries:   0,
			KeyPrefix:    "guard:",
		},
		Store: StoreConfig{
			Type:              "redis",
			OpTimeout:         150 * time.Millisecond,
			BlockCheckTimeout: 50 * time.Millisecond,
			Breaker: BreakerConfig{
				MaxRequests:      3,
				Interval:         30 * time.Second,
				Timeout:          5 * time.Second,
				FailureThreshold: 5,
			},
		},
		Detection: DetectionConfig{
			AlertRetention:   24 * time.Hour,
			ListScanMultiple: 4,
		},
		Response: ResponseConfig{
			BlockTTL:      24 * time.Hour,
			RevocationTTL: 24 * time.Hour,
			RateLimit: RateLimitConfig{
				Requests: 30,
				Window:   time.Minute,
				Duration: time.Hour,
			},
			MaxRetries:   2,
			RetryBackoff: 25 * time.Millisecond,
		},
		BlockList: BlockListConfig{
			FailPolicy:    "open",
			HintCacheSize: 10000,
		},
		Notifications: NotificationsConfig{
			QueueSize:      1000,
			Workers:        2,
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			SendTimeout:    10 * time.Second,
			RatePerSecond:  5,
			Burst:          10,
			Kafka:          KafkaNotifyConfig{Config: *kcfg},
		},
		Audit: AuditConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
	}
}

// Load loads configuration from a .env file, a YAML file and environment
// variables, in that order of increasing precedence.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	configPath := os.Getenv("GUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("GUARD_HTTP_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = v
		}
	}

	if level := os.Getenv("GUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("GUARD_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if addr := os.Getenv("GUARD_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}

	if pass := os.Getenv("GUARD_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if storeType := os.Getenv("GUARD_STORE_TYPE"); storeType != "" {
		c.Store.Type = storeType
	}

	if policy := os.Getenv("GUARD_BLOCKLIST_FAIL_POLICY"); policy != "" {
		c.BlockList.FailPolicy = policy
	}

	if path := os.Getenv("GUARD_PATTERNS_FILE"); path != "" {
		c.Detection.PatternsFile = path
	}

	if key := os.Getenv("GUARD_AUDIT_HMAC_KEY"); key != "" {
		c.Audit.HMACKey = key
	}

	if url := os.Getenv("GUARD_WEBHOOK_URL"); url != "" {
		c.Notifications.Webhook.URL = url
	}

	if urls := os.Getenv("GUARD_SHOUTRRR_URLS"); urls != "" {
		c.Notifications.ShoutrrrURLs = splitAndTrim(urls, ",")
	}

	if brokers := os.Getenv("GUARD_KAFKA_BROKERS"); brokers != "" {
		c.Notifications.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Notifications.Kafka.Enabled = true
	}

	if prod := os.Getenv("GUARD_PRODUCTION"); prod == "true" {
		c.Server.Production = true
	}
}

func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && len(c.Auth.Operators) == 0 {
		return fmt.Errorf("auth enabled but no api_keys or operators configured")
	}
	for name, key := range c.Auth.Operators {
		if name == "" || key == "" {
			return fmt.Errorf("auth operator %q has an empty name or key", name)
		}
	}

	switch c.Store.Type {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store type: %q", c.Store.Type)
	}

	if c.Store.OpTimeout <= 0 || c.Store.BlockCheckTimeout <= 0 {
		return fmt.Errorf("store timeouts must be positive")
	}
	if c.Store.BlockCheckTimeout >= 100*time.Millisecond {
		return fmt.Errorf("block_check_timeout must be below 100ms, got %s", c.Store.BlockCheckTimeout)
	}

	if c.Detection.AlertRetention <= 0 {
		return fmt.Errorf("alert_retention must be positive")
	}

	if c.Response.BlockTTL <= 0 || c.Response.RevocationTTL <= 0 {
		return fmt.Errorf("block_ttl and revocation_ttl must be positive")
	}
	if c.Response.RateLimit.Requests <= 0 || c.Response.RateLimit.Window <= 0 || c.Response.RateLimit.Duration <= 0 {
		return fmt.Errorf("rate_limit requests, window and duration must be positive")
	}
	if c.Response.MaxRetries < 0 || c.Response.MaxRetries > 5 {
		return fmt.Errorf("response max_retries must be between 0 and 5")
	}

	if c.BlockList.FailPolicy != "open" && c.BlockList.FailPolicy != "closed" {
		return fmt.Errorf("invalid blocklist fail_policy: %q", c.BlockList.FailPolicy)
	}

	if c.Notifications.QueueSize <= 0 || c.Notifications.Workers <= 0 {
		return fmt.Errorf("notification queue_size and workers must be positive")
	}

	if c.Notifications.Kafka.Enabled {
		if err := c.Notifications.Kafka.Config.Validate(); err != nil {
			return err
		}
	}

	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}

	return nil
}
