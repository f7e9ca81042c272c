package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fngate/fngate/internal/auth"
	"github.com/fngate/fngate/internal/ratelimit"
)

// maxDeployBytes gates deploy request bodies.
const maxDeployBytes = 50 << 20

// Config is the YAML server configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	CORSOrigins []string `yaml:"cors_origins"`

	Auth      auth.Config      `yaml:"auth"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`

	Dedup struct {
		TTL      time.Duration `yaml:"ttl"`
		Disabled bool          `yaml:"disabled"`
	} `yaml:"dedup"`

	Loader LoaderConfig `yaml:"loader"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Anthropic struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"anthropic"`

	Audit struct {
		TrailPath string `yaml:"trail_path"`
	} `yaml:"audit"`
}

// LoaderConfig mirrors the loader knobs into YAML.
type LoaderConfig struct {
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	MaxRetries          int           `yaml:"max_retries"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	MaxHalfOpenRequests int           `yaml:"max_half_open_requests"`
	GracefulDegradation bool          `yaml:"graceful_degradation"`
	FallbackVersion     string        `yaml:"fallback_version"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.Dedup.TTL <= 0 {
		c.Dedup.TTL = 30 * time.Second
	}
	if len(c.Auth.PublicPaths) == 0 {
		c.Auth.PublicPaths = []string{"/", "/health", "/metrics"}
	}
	if len(c.RateLimit.BypassPaths) == 0 {
		c.RateLimit.BypassPaths = []string{"/health", "/metrics"}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	for cat, rule := range c.RateLimit.Rules {
		if rule.WindowMS <= 0 || rule.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit rule %s: window_ms and max_requests must be positive", cat)
		}
	}
	if c.Auth.InternalSecret != "" && c.Auth.InternalHeader == "" {
		return fmt.Errorf("auth.internal_header is required when internal_secret is set")
	}
	return nil
}

// LoadConfig reads, defaults, and validates a YAML config file. An empty
// path yields the default config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(payload, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
