package config

import (
	"context"
	"os"
)

// SecretProvider resolves secret values by path. Missing paths are simply
// absent from the returned map.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// ProviderFromEnv picks the secret provider for a process. SECRETS_PROVIDER=env
// selects EnvProvider (CI and docker-compose); anything else uses SSM in
// AWS_REGION, honouring AWS_ENDPOINT_URL for LocalStack.
func ProviderFromEnv() SecretProvider {
	return providerFromLookup(os.LookupEnv)
}

func providerFromLookup(lookup func(string) (string, bool)) SecretProvider {
	if kind, _ := lookup("SECRETS_PROVIDER"); kind == "env" {
		return &EnvProvider{lookup: lookup}
	}
	region, _ := lookup("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	endpoint, _ := lookup("AWS_ENDPOINT_URL")
	return NewSSMProvider(region, endpoint)
}
