package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider retrieves secrets from files in one directory, as mounted by
// Docker or Kubernetes.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a new file-based secret provider.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Get reads the file named after key. Keys never escape the base directory.
func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	fullPath := filepath.Join(f.baseDir, keyToFilename(key))

	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	// Trim trailing newline (common in Docker/K8s secrets)
	return strings.TrimRight(string(data), "\n\r"), nil
}

// keyToFilename converts a secret key to a safe filename.
// Examples:
//   - "audit.hmac_key" -> "audit_hmac_key"
//   - "../etc/passwd" -> "___etc_passwd"
func keyToFilename(key string) string {
	filename := strings.ReplaceAll(key, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, ".", "_")
	filename = strings.ReplaceAll(filename, "-", "_")
	return strings.ToLower(filename)
}
