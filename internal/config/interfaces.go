package config

import "context"

// SecretProvider resolves secret references to plaintext values. The loader
// uses it for *_FILE variables; tests substitute an in-memory provider.
type SecretProvider interface {
	// GetParametersBatch returns the values for the given references. Keys
	// that cannot be resolved are omitted from the map.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
