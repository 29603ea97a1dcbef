// Package secrets provides secure storage for sensitive settings such as
// the SMTP password and the API key hash.
//
// The primary backend is 1Password Connect for production environments,
// with a local file-based fallback for development. Secrets resolved here
// override the corresponding plaintext config values at startup.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Well-known secret names.
const (
	SecretSMTPPassword = "nightwatch-smtp-password"
	SecretAPIKeyHash   = "nightwatch-api-key-hash"
)

// Store resolves named secrets.
type Store interface {
	// Get returns the secret value, or empty string when it does not exist.
	Get(ctx context.Context, name string) (string, error)

	// Set stores or replaces a secret value.
	Set(ctx context.Context, name, value string) error

	// Close releases any resources held by the store.
	Close() error
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string

	// 1Password Connect configuration.
	OnePassword OnePasswordConfig

	// Local storage directory (default: ~/.nightwatch/secrets).
	LocalDir string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("NIGHTWATCH_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		LocalDir: os.Getenv("NIGHTWATCH_SECRETS_DIR"),
	}
}

// NewStore creates a secret store based on configuration.
func NewStore(cfg Config, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordStore(cfg.OnePassword, logger)

	case "local":
		return NewLocalStore(cfg.LocalDir, logger)

	case "auto":
		// Try 1Password first, fall back to local
		if cfg.OnePassword.Token != "" {
			store, err := NewOnePasswordStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalStore(cfg.LocalDir, logger)
			}
			return store, nil
		}
		logger.Info("OP_CONNECT_TOKEN not set, using local secret storage")
		return NewLocalStore(cfg.LocalDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
