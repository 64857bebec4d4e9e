package config

import "context"

// SecretProvider resolves secret values by path. SSM in deployed
// environments, the process environment locally.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every key it could
	// resolve. Implementations batch internally.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
