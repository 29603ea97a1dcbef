package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// credentialFieldLabel is the item field holding the secret value.
const credentialFieldLabel = "credential"

// OnePasswordStore keeps secrets in 1Password using the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to store secrets in
type OnePasswordStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordStore creates a new 1Password-backed secret store.
func NewOnePasswordStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "nightwatch-server")

	return &OnePasswordStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get returns the secret value, or empty string when it does not exist.
func (s *OnePasswordStore) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	item, err := s.client.GetItemByTitle(name, s.vaultID)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return "", nil
		}
		return "", fmt.Errorf("fetching item %s: %w", name, err)
	}

	for _, field := range item.Fields {
		if field.Label == credentialFieldLabel {
			s.mu.Lock()
			s.cache[name] = field.Value
			s.mu.Unlock()
			return field.Value, nil
		}
	}
	return "", nil
}

// Set stores or replaces a secret value.
func (s *OnePasswordStore) Set(_ context.Context, name, value string) error {
	item := &onepassword.Item{
		Title:    name,
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: s.vaultID},
		Fields: []*onepassword.ItemField{
			{
				Label:   credentialFieldLabel,
				Type:    onepassword.FieldTypeConcealed,
				Value:   value,
				Purpose: onepassword.FieldPurposePassword,
			},
		},
	}

	if _, err := s.client.CreateItem(item, s.vaultID); err != nil {
		return fmt.Errorf("creating item %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *OnePasswordStore) Close() error { return nil }
