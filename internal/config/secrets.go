package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// ================================================
// HashiCorp Vault Integration
// ================================================

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration.
// Authentication is token-based: VAULT_TOKEN must be set in the environment.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := os.Getenv("VAULT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	log.Info().
		Str("address", cfg.Address).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret at the configured path
func (vc *VaultClient) GetSecret(ctx context.Context) (map[string]interface{}, error) {
	secret, err := vc.client.Logical().ReadWithContext(ctx, vc.config.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", vc.config.SecretPath)
	}

	// For KV v2, secrets are nested under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// LoadSecrets fills in secret config fields from Vault when enabled, falling
// back to environment variables otherwise. Database passwords and provider
// API credentials never live in the config file.
func LoadSecrets(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
		loadSecretsFromEnv(cfg)
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	secrets, err := vc.GetSecret(ctx)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	if v, ok := secrets["ledger_db_password"].(string); ok && v != "" {
		cfg.LedgerDB.Password = v
	}
	if v, ok := secrets["analysis_db_password"].(string); ok && v != "" {
		cfg.AnalysisDB.Password = v
	}
	if v, ok := secrets["redis_password"].(string); ok && v != "" {
		cfg.Redis.Password = v
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

// loadSecretsFromEnv reads secrets from plain environment variables
func loadSecretsFromEnv(cfg *Config) {
	if v := os.Getenv("LEVSCAN_LEDGER_DB_PASSWORD"); v != "" {
		cfg.LedgerDB.Password = v
	}
	if v := os.Getenv("LEVSCAN_ANALYSIS_DB_PASSWORD"); v != "" {
		cfg.AnalysisDB.Password = v
	}
	if v := os.Getenv("LEVSCAN_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}
