package config

import "context"

// SecretProvider resolves secret pointers. SSMProvider serves deployed
// environments; EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every key it could
	// resolve. Keys it cannot find are omitted or reported as an error,
	// depending on the implementation.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
