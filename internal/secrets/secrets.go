// Package secrets resolves secret references in configuration values from
// environment variables and mounted secret files.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"abuse-guard/internal/config"
)

var (
	// ErrSecretNotFound is returned when a secret is not found in any provider.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when no secret providers are configured.
	ErrNoProvider = errors.New("no secret provider configured")

	// ErrUnknownProvider is returned for a reference with an unknown scheme.
	ErrUnknownProvider = errors.New("unknown secret provider")
)

// Provider looks secrets up by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager tries providers in order.
type Manager struct {
	providers []Provider
	byName    map[string]Provider
	logger    *slog.Logger
}

// Config holds configuration for the secrets manager.
type Config struct {
	EnableEnv bool
	// Dir enables the file provider rooted at this directory.
	Dir    string
	Logger *slog.Logger
}

// DefaultConfig returns default secrets manager configuration.
func DefaultConfig() *Config {
	return &Config{
		EnableEnv: true,
		Logger:    slog.Default(),
	}
}

// NewManager creates a new secrets manager with the given configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		byName: make(map[string]Provider),
		logger: cfg.Logger,
	}
	if cfg.EnableEnv {
		m.add(NewEnvProvider())
	}
	if cfg.Dir != "" {
		m.add(NewFileProvider(cfg.Dir))
	}

	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

func (m *Manager) add(p Provider) {
	m.providers = append(m.providers, p)
	m.byName[p.Name()] = p
}

// Get retrieves a secret, trying each provider in order until found.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, provider := range m.providers {
		value, err := provider.Get(ctx, key)
		if err == nil {
			m.logger.Debug("secret retrieved", "key", key, "provider", provider.Name())
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("provider error", "provider", provider.Name(), "key", key, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrSecretNotFound
	}
	return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
}

// ParseSecretRef parses a secret reference string.
// Formats supported:
//   - "value" - literal value
//   - "env:VAR_NAME" - environment variable
//   - "file:name" - file under the secrets directory
func ParseSecretRef(ref string) (provider, key string) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "literal", ref
	}
	switch scheme {
	case "env", "file":
		return scheme, rest
	default:
		// Values such as URLs carry colons of their own.
		return "literal", ref
	}
}

// ResolveSecret returns ref itself when it is a literal, or the secret it
// points at.
func (m *Manager) ResolveSecret(ctx context.Context, ref string) (string, error) {
	provider, key := ParseSecretRef(ref)
	if provider == "literal" {
		return key, nil
	}
	p, ok := m.byName[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	value, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret %q: %w", provider, key, err)
	}
	return value, nil
}

// ResolveConfig replaces secret references in cfg with their values. Empty
// credential fields are looked up by their config key.
func (m *Manager) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"audit.hmac_key", &cfg.Audit.HMACKey},
		{"redis.password", &cfg.Redis.Password},
		{"notifications.webhook.url", &cfg.Notifications.Webhook.URL},
		{"notifications.kafka.sasl_password", &cfg.Notifications.Kafka.SASLPassword},
	}
	for _, f := range fields {
		if *f.value == "" {
			if v, err := m.Get(ctx, f.name); err == nil {
				*f.value = v
			}
			continue
		}
		v, err := m.ResolveSecret(ctx, *f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = v
	}

	for i, key := range cfg.Auth.APIKeys {
		v, err := m.ResolveSecret(ctx, key)
		if err != nil {
			return fmt.Errorf("auth.api_keys[%d]: %w", i, err)
		}
		cfg.Auth.APIKeys[i] = v
	}
	for name, key := range cfg.Auth.Operators {
		v, err := m.ResolveSecret(ctx, key)
		if err != nil {
			return fmt.Errorf("auth.operators[%s]: %w", name, err)
		}
		cfg.Auth.Operators[name] = v
	}
	for i, url := range cfg.Notifications.ShoutrrrURLs {
		v, err := m.ResolveSecret(ctx, url)
		if err != nil {
			return fmt.Errorf("notifications.shoutrrr_urls[%d]: %w", i, err)
		}
		cfg.Notifications.ShoutrrrURLs[i] = v
	}
	return nil
}
