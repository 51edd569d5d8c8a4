package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// DefaultEnvPrefix is prepended to secret paths to form variable names.
const DefaultEnvPrefix = "AVATRAFFIC_SECRET_"

// EnvProvider reads secrets from environment variables. The path
// "redis/password" maps to AVATRAFFIC_SECRET_REDIS_PASSWORD. A JSON object
// value is split into keys; any other value is stored under "value".
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
	logger observability.Logger
}

// EnvOption configures an EnvProvider.
type EnvOption func(*EnvProvider)

// WithEnvPrefix overrides DefaultEnvPrefix.
func WithEnvPrefix(prefix string) EnvOption {
	return func(p *EnvProvider) { p.prefix = prefix }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) EnvOption {
	return func(p *EnvProvider) { p.lookup = lookup }
}

// WithEnvLogger sets the logger.
func WithEnvLogger(logger observability.Logger) EnvOption {
	return func(p *EnvProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider(opts ...EnvOption) *EnvProvider {
	p := &EnvProvider{
		prefix: DefaultEnvPrefix,
		lookup: os.LookupEnv,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type implements Provider.
func (p *EnvProvider) Type() ProviderType { return ProviderTypeEnv }

// EnvName returns the variable name a path maps to.
func (p *EnvProvider) EnvName(path string) string {
	name := strings.ToUpper(path)
	name = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
	return p.prefix + name
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	name := p.EnvName(path)
	value, ok := p.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, name)
	}
	p.logger.Debug("secret read from environment", observability.String("env", name))

	data := make(map[string]string)
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		for k, v := range obj {
			if s, ok := v.(string); ok {
				data[k] = s
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			data[k] = string(b)
		}
	} else {
		data["value"] = value
	}
	return &Secret{Path: path, Data: data}, nil
}
