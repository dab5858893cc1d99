package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileSecretProvider reads secrets from files, as mounted by Docker or
// Kubernetes secrets. Keys are file paths.
type FileSecretProvider struct{}

// NewFileSecretProvider creates a new FileSecretProvider.
func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{}
}

// GetParametersBatch reads each path. A trailing newline is stripped. A
// missing file is an error: the operator asked for it explicitly.
func (p *FileSecretProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, path := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading secret file %s: %w", path, err)
		}
		result[path] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
