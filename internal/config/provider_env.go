package config

import (
	"context"
	"os"
	"strings"
)

// EnvProvider resolves parameter paths from local environment variables. It
// stands in for SSM in local and CI runs: /notifyhub/dev/rabbitmq/url is read
// from NOTIFYHUB_DEV_RABBITMQ_URL.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := p.lookup(pathToEnvName(key)); ok {
			out[key] = v
		}
	}
	return out, nil
}

func pathToEnvName(path string) string {
	name := strings.Trim(path, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return strings.ToUpper(name)
}
