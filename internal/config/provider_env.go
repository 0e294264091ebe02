package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider implements SecretProvider from the process environment, for
// local runs against LocalStack or docker-compose where SSM paths are still
// configured.
//
// A key is looked up verbatim first. Path-style keys such as
// "/local/stockmeter/stripe-secret-key" then fall back to the upper-cased
// last segment ("STRIPE_SECRET_KEY").
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch returns the keys found in the environment; missing keys
// are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
			continue
		}
		if name := envNameForPath(key); name != "" {
			if val, ok := os.LookupEnv(name); ok {
				result[key] = val
			}
		}
	}
	return result, nil
}

func envNameForPath(path string) string {
	if !strings.Contains(path, "/") {
		return ""
	}
	last := path[strings.LastIndexByte(path, '/')+1:]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
