package config

import "context"

// SecretProvider resolves secret references (SSM parameter names) to
// plaintext values. SSMProvider serves deployed stages and EnvVarProvider
// serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it resolved.
	// Implementations batch internally to stay under API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
