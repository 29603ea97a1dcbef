// Package config handles server configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (NIGHTWATCH_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	port: 8080
//	database_url: postgres://localhost:5432/nightwatch
//	redis_url: redis://localhost:6379/0
//
//	database:
//	  pool_size: 10
//	  pool_overflow: 5
//	  pool_timeout: 30s
//	  pool_recycle: 30m
//
//	api:
//	  key_enabled: true
//
//	notifications:
//	  enabled: true
//	  smtp_host: smtp.example.com
//	  smtp_port: 587
//	  smtp_from_address: alerts@example.com
//	  smtp_use_tls: true
//	  default_email_recipients:
//	    - homeowner@example.com
//	  default_webhook_url: https://hooks.example.com/security
//	  webhook_timeout_seconds: 30
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url,omitempty"`
	Debug       bool   `yaml:"debug,omitempty"`

	Database      DatabaseConfig     `yaml:"database"`
	API           APIConfig          `yaml:"api"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// DatabaseConfig tunes the Postgres connection pool.
type DatabaseConfig struct {
	// PoolSize is the steady-state number of pooled connections.
	PoolSize int `yaml:"pool_size"`

	// PoolOverflow is extra connections allowed under load.
	PoolOverflow int `yaml:"pool_overflow"`

	// PoolTimeout is the connect timeout for new pool connections; it does
	// not bound waiting for a free connection at checkout.
	PoolTimeout time.Duration `yaml:"pool_timeout"`

	// PoolRecycle closes connections older than this.
	PoolRecycle time.Duration `yaml:"pool_recycle"`
}

// MaxConns is the hard pool ceiling (steady state plus overflow).
func (d DatabaseConfig) MaxConns() int {
	return d.PoolSize + d.PoolOverflow
}

// APIConfig controls API authentication.
type APIConfig struct {
	// KeyEnabled gates mutation endpoints behind an API key.
	KeyEnabled bool `yaml:"key_enabled"`

	// KeyHash is the bcrypt hash of the accepted API key.
	// Set via NIGHTWATCH_API_KEY_HASH rather than the config file.
	KeyHash string `yaml:"key_hash,omitempty"`
}

// NotificationConfig configures the delivery orchestrator and transports.
type NotificationConfig struct {
	// Enabled is the master switch for the orchestrator.
	Enabled bool `yaml:"enabled"`

	SMTPHost        string `yaml:"smtp_host,omitempty"`
	SMTPPort        int    `yaml:"smtp_port,omitempty"`
	SMTPUser        string `yaml:"smtp_user,omitempty"`
	SMTPPassword    string `yaml:"smtp_password,omitempty"`
	SMTPFromAddress string `yaml:"smtp_from_address,omitempty"`
	SMTPUseTLS      bool   `yaml:"smtp_use_tls,omitempty"`

	DefaultEmailRecipients []string `yaml:"default_email_recipients,omitempty"`

	DefaultWebhookURL     string `yaml:"default_webhook_url,omitempty"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds,omitempty"`
}

// WebhookTimeout returns the webhook timeout as a duration.
func (n NotificationConfig) WebhookTimeout() time.Duration {
	if n.WebhookTimeoutSeconds <= 0 {
		return DefaultWebhookTimeout
	}
	return time.Duration(n.WebhookTimeoutSeconds) * time.Second
}

// EmailConfigured reports whether the email transport has the settings it
// needs to open an SMTP session.
func (n NotificationConfig) EmailConfigured() bool {
	return n.SMTPHost != "" && n.SMTPFromAddress != ""
}

// WebhookConfigured reports whether the webhook transport has a target URL.
func (n NotificationConfig) WebhookConfigured() bool {
	return n.DefaultWebhookURL != ""
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: 8080,
		Database: DatabaseConfig{
			PoolSize:     10,
			PoolOverflow: 5,
			PoolTimeout:  30 * time.Second,
			PoolRecycle:  30 * time.Minute,
		},
		Notifications: NotificationConfig{
			Enabled:               true,
			SMTPPort:              587,
			SMTPUseTLS:            true,
			WebhookTimeoutSeconds: 30,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// NIGHTWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from NIGHTWATCH_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("NIGHTWATCH_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NIGHTWATCH_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("NIGHTWATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("NIGHTWATCH_API_KEY_ENABLED"); v != "" {
		c.API.KeyEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NIGHTWATCH_API_KEY_HASH"); v != "" {
		c.API.KeyHash = v
	}
	if v := os.Getenv("NIGHTWATCH_SMTP_PASSWORD"); v != "" {
		c.Notifications.SMTPPassword = v
	}
	if v := os.Getenv("NIGHTWATCH_DEFAULT_WEBHOOK_URL"); v != "" {
		c.Notifications.DefaultWebhookURL = v
	}
	if v := os.Getenv("NIGHTWATCH_EMAIL_RECIPIENTS"); v != "" {
		c.Notifications.DefaultEmailRecipients = splitAndTrim(v)
	}
}

// Validate checks required settings. Failures here refuse startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set NIGHTWATCH_DATABASE_URL or the config file)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.API.KeyEnabled && c.API.KeyHash == "" {
		return fmt.Errorf("api.key_enabled requires NIGHTWATCH_API_KEY_HASH")
	}
	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
