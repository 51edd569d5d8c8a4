package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// StorePasswordPath is the env provider path of the store password.
const StorePasswordPath = "redis/password"

// Resolver finds the rate limit store password. Vault wins when enabled,
// then the environment, then the plain configuration value.
type Resolver struct {
	vault  Provider
	env    Provider
	logger observability.Logger
}

// NewResolver creates a resolver. vault may be nil.
func NewResolver(vault, env Provider, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if env == nil {
		env = NewEnvProvider()
	}
	return &Resolver{vault: vault, env: env, logger: logger}
}

// NewResolverFromConfig builds the providers described by cfg.
func NewResolverFromConfig(cfg config.VaultConfig, logger observability.Logger) (*Resolver, error) {
	var vault Provider
	if cfg.Enabled {
		vp, err := NewVaultProvider(VaultConfig{Address: cfg.Address, Token: cfg.Token, Logger: logger})
		if err != nil {
			return nil, err
		}
		vault = vp
	}
	return NewResolver(vault, NewEnvProvider(WithEnvLogger(logger)), logger), nil
}

// StorePassword returns the password for the store.
func (r *Resolver) StorePassword(ctx context.Context, vaultCfg config.VaultConfig, fallback string) (string, error) {
	if r.vault != nil {
		s, err := r.vault.GetSecret(ctx, vaultCfg.Path)
		if err != nil {
			return "", fmt.Errorf("failed to resolve store password: %w", err)
		}
		key := vaultCfg.Key
		if key == "" {
			key = "password"
		}
		v, ok := s.Get(key)
		if !ok {
			return "", fmt.Errorf("%w: key %q in %s", ErrSecretNotFound, key, vaultCfg.Path)
		}
		r.logger.Info("store password resolved", observability.String("source", string(ProviderTypeVault)))
		return v, nil
	}

	s, err := r.env.GetSecret(ctx, StorePasswordPath)
	switch {
	case err == nil:
		v, _ := s.Get("value")
		r.logger.Info("store password resolved", observability.String("source", string(ProviderTypeEnv)))
		return v, nil
	case errors.Is(err, ErrSecretNotFound):
		return fallback, nil
	default:
		return "", err
	}
}
