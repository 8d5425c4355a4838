// Package secrets resolves static secret material referenced by the
// gateway configuration, including token verification keys held in
// Vault's KV v2 engine.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
)

// ErrSecretNotFound indicates that the referenced secret or field does
// not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Source resolves key material from the location a KeyConfig names.
type Source struct {
	logger observability.Logger
}

// SourceOption is a functional option for the source.
type SourceOption func(*Source)

// WithSourceLogger sets the logger for the source.
func WithSourceLogger(logger observability.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a secret source.
func NewSource(opts ...SourceOption) *Source {
	s := &Source{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the secret bytes for the configured location. File and
// environment material is trimmed of surrounding whitespace so trailing
// newlines in key files do not end up in HMAC secrets.
func (s *Source) Resolve(ctx context.Context, cfg config.KeyConfig) ([]byte, error) {
	switch cfg.Source {
	case "inline":
		return []byte(cfg.Inline), nil

	case "env":
		value, ok := os.LookupEnv(cfg.Env)
		if !ok || value == "" {
			return nil, fmt.Errorf("environment variable %s is not set: %w", cfg.Env, ErrSecretNotFound)
		}
		return []byte(value), nil

	case "file":
		data, err := os.ReadFile(cfg.File) //nolint:gosec // key path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", cfg.File, err)
		}
		return bytes.TrimSpace(data), nil

	case "vault":
		return s.readVault(ctx, cfg.Vault)

	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
}

// readVault reads one field of a KV v2 secret.
func (s *Source) readVault(ctx context.Context, cfg config.VaultKeyConfig) ([]byte, error) {
	apiConfig := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		apiConfig.Address = cfg.Address
	}
	if cfg.Timeout.Duration() > 0 {
		apiConfig.Timeout = cfg.Timeout.Duration()
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	fullPath := path.Join(mount, "data", cfg.Path)

	s.logger.Debug("reading verification key from vault",
		observability.String("path", fullPath),
		observability.String("field", cfg.Field),
	)

	secret, err := client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s: %w", fullPath, ErrSecretNotFound)
	}

	// KV v2 nests the payload under a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no KV v2 payload: %w", fullPath, ErrSecretNotFound)
	}

	value, ok := data[cfg.Field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("vault secret %s field %q: %w", fullPath, cfg.Field, ErrSecretNotFound)
	}

	return []byte(value), nil
}
