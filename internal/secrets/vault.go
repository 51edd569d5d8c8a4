package secrets

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// VaultConfig configures the Vault provider.
type VaultConfig struct {
	Address string
	Token   string
	Timeout time.Duration
	Logger  observability.Logger
}

// VaultProvider reads KV secrets from Vault. Paths are logical paths, so a
// KV v2 secret is addressed as "<mount>/data/<name>".
type VaultProvider struct {
	client *vaultapi.Client
	logger observability.Logger
}

// NewVaultProvider creates a Vault client.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	apiCfg := vaultapi.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("failed to build vault config: %w", apiCfg.Error)
	}
	apiCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	apiCfg.MaxRetries = 2

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultProvider{client: client, logger: cfg.Logger}, nil
}

// Type implements Provider.
func (p *VaultProvider) Type() ProviderType { return ProviderTypeVault }

// GetSecret implements Provider. KV v2 responses are unwrapped from their
// "data" envelope; a soft-deleted secret reads as not found.
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	start := time.Now()
	vs, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %s: %w", path, err)
	}
	if vs == nil || vs.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	raw := vs.Data
	if inner, has := vs.Data["data"]; has {
		if inner == nil {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		if m, ok := inner.(map[string]any); ok {
			raw = m
		}
	}

	data := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			data[k] = s
		} else {
			data[k] = fmt.Sprint(v)
		}
	}

	p.logger.Debug("secret read from vault",
		observability.String("path", path),
		observability.Duration("duration", time.Since(start)),
	)
	return &Secret{Path: path, Data: data}, nil
}
