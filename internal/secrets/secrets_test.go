package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"abuse-guard/internal/config"
)

func writeSecret(t *testing.T, dir, name, value string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
}

// TestEnvProvider tests the environment variable provider.
func TestEnvProvider(t *testing.T) {
	provider := NewEnvProvider()
	ctx := context.Background()

	t.Run("get existing env var", func(t *testing.T) {
		t.Setenv("GUARD_TEST_SECRET", "test-value")

		value, err := provider.Get(ctx, "TEST_SECRET")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if value != "test-value" {
			t.Errorf("expected value 'test-value', got %q", value)
		}
	})

	t.Run("get with normalization", func(t *testing.T) {
		t.Setenv("GUARD_REDIS_PASSWORD", "redis-pass")

		value, err := provider.Get(ctx, "redis.password")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if value != "redis-pass" {
			t.Errorf("expected value 'redis-pass', got %q", value)
		}
	})

	t.Run("falls back to the verbatim name", func(t *testing.T) {
		t.Setenv("PLAIN_SECRET", "plain")

		value, err := provider.Get(ctx, "PLAIN_SECRET")
		if err != nil || value != "plain" {
			t.Errorf("Get() = %q, %v; want plain", value, err)
		}
	})

	t.Run("get non-existent secret", func(t *testing.T) {
		_, err := provider.Get(ctx, "NONEXISTENT_SECRET")
		if !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("expected ErrSecretNotFound, got %v", err)
		}
	})
}

// TestFileProvider tests the file-based provider.
func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	provider := NewFileProvider(dir)
	ctx := context.Background()

	writeSecret(t, dir, "audit_hmac_key", "file-key\n")

	value, err := provider.Get(ctx, "audit.hmac_key")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if value != "file-key" {
		t.Errorf("expected trailing newline trimmed, got %q", value)
	}

	if _, err := provider.Get(ctx, "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestKeyToFilename(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"audit_hmac_key", "audit_hmac_key"},
		{"audit.hmac_key", "audit_hmac_key"},
		{"Redis-Password", "redis_password"},
		{"../etc/passwd", "___etc_passwd"},
		{`..\windows`, "___windows"},
	}
	for _, tt := range tests {
		if got := keyToFilename(tt.key); got != tt.want {
			t.Errorf("keyToFilename(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		ref          string
		wantProvider string
		wantKey      string
	}{
		{"plain-value", "literal", "plain-value"},
		{"env:API_KEY", "env", "API_KEY"},
		{"file:audit_key", "file", "audit_key"},
		{"https://hooks.example.com/x", "literal", "https://hooks.example.com/x"},
		{"slack://token@channel", "literal", "slack://token@channel"},
	}
	for _, tt := range tests {
		provider, key := ParseSecretRef(tt.ref)
		if provider != tt.wantProvider || key != tt.wantKey {
			t.Errorf("ParseSecretRef(%q) = %q, %q; want %q, %q",
				tt.ref, provider, key, tt.wantProvider, tt.wantKey)
		}
	}
}

func TestNewManagerRequiresProvider(t *testing.T) {
	if _, err := NewManager(&Config{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestResolveSecret(t *testing.T) {
	dir := t.TempDir()
	writeSecret(t, dir, "webhook_token", "tok")
	t.Setenv("GUARD_ADMIN_KEY", "admin")

	m, err := NewManager(&Config{EnableEnv: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"literal", "literal", false},
		{"env:admin_key", "admin", false},
		{"file:webhook_token", "tok", false},
		{"file:missing", "", true},
		{"env:MISSING_VAR", "", true},
	}
	for _, tt := range tests {
		got, err := m.ResolveSecret(ctx, tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveSecret(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveSecret(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}

	envOnly, _ := NewManager(&Config{EnableEnv: true})
	if _, err := envOnly.ResolveSecret(ctx, "file:webhook_token"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	writeSecret(t, dir, "audit_hmac_key", "from-file")
	writeSecret(t, dir, "api_key", "k-file")
	t.Setenv("GUARD_REDIS_PASS", "r-env")
	t.Setenv("GUARD_NOTIFICATIONS_KAFKA_SASL_PASSWORD", "k-sasl")

	m, err := NewManager(&Config{EnableEnv: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Redis.Password = "env:redis_pass"
	cfg.Auth.APIKeys = []string{"k-literal", "file:api_key"}
	cfg.Auth.Operators = map[string]string{"alice": "file:api_key"}
	cfg.Notifications.ShoutrrrURLs = []string{"slack://a@b"}

	if err := m.ResolveConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ResolveConfig() error = %v", err)
	}

	if cfg.Audit.HMACKey != "from-file" {
		t.Errorf("HMACKey = %q, want from-file", cfg.Audit.HMACKey)
	}
	if cfg.Redis.Password != "r-env" {
		t.Errorf("Redis.Password = %q, want r-env", cfg.Redis.Password)
	}
	if cfg.Notifications.Kafka.SASLPassword != "k-sasl" {
		t.Errorf("Kafka.SASLPassword = %q, want k-sasl", cfg.Notifications.Kafka.SASLPassword)
	}
	if cfg.Auth.APIKeys[0] != "k-literal" || cfg.Auth.APIKeys[1] != "k-file" {
		t.Errorf("APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Auth.Operators["alice"] != "k-file" {
		t.Errorf("Operators = %v", cfg.Auth.Operators)
	}
	if cfg.Notifications.ShoutrrrURLs[0] != "slack://a@b" {
		t.Errorf("ShoutrrrURLs = %v", cfg.Notifications.ShoutrrrURLs)
	}

	cfg.Auth.APIKeys = []string{"file:missing"}
	if err := m.ResolveConfig(context.Background(), cfg); err == nil {
		t.Error("expected error for unresolvable api key")
	}
}
