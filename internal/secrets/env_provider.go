package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return "env"
}

// Get looks key up as GUARD_<KEY> first and then verbatim.
func (e *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if value := os.Getenv(normalizeEnvKey(key)); value != "" {
		return value, nil
	}
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// normalizeEnvKey converts a key to uppercase environment variable format.
// Examples:
//   - "audit.hmac_key" -> "GUARD_AUDIT_HMAC_KEY"
//   - "GUARD_REDIS_PASSWORD" -> "GUARD_REDIS_PASSWORD"
func normalizeEnvKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, ".", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	if !strings.HasPrefix(normalized, "GUARD_") {
		normalized = "GUARD_" + normalized
	}
	return normalized
}
