// Package secrets resolves credentials for the control plane's
// collaborators from environment variables or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeVault reads secrets from Vault.
	ProviderTypeVault ProviderType = "vault"
	// ProviderTypeEnv reads secrets from environment variables.
	ProviderTypeEnv ProviderType = "env"
)

var (
	// ErrSecretNotFound is returned when a secret or key does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrInvalidPath is returned for an empty secret path.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrProviderNotConfigured is returned when a provider lacks settings.
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// Secret holds the key-value data of one secret.
type Secret struct {
	Path string
	Data map[string]string
}

// Get returns the value stored under key.
func (s *Secret) Get(key string) (string, bool) {
	if s == nil || s.Data == nil {
		return "", false
	}
	v, ok := s.Data[key]
	return v, ok
}

// Provider reads secrets.
type Provider interface {
	Type() ProviderType
	GetSecret(ctx context.Context, path string) (*Secret, error)
}
