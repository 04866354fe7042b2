package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"notifyhub/internal/types"
)

// ConfigError is returned by LoadConfig. Type tells which loading stage failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: RABBITMQ_URL_SSM_PARAM names the
// parameter path holding RABBITMQ_URL.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps lets tests run the loader without touching the real process
// environment.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig reads the process configuration.
//
// Steps:
//  1. Load .env if present. Existing variables are never overridden.
//  2. Outside APP_ENV=local, resolve *_SSM_PARAM pointers through provider.
//  3. Populate Config from struct tags via envconfig.
//  4. Attach linker-injected build metadata.
//  5. Validate struct tags, then the broker-specific requirements.
//
// provider may be nil when no pointer variables are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs tag validation followed by the cross-field rules that tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	var problems []string
	switch cfg.Broker.Type {
	case types.BrokerRabbitMQ:
		if !cfg.Broker.RabbitMQ.URL.IsSet() {
			problems = append(problems, "RABBITMQ_URL is required when BROKER_TYPE=rabbitmq")
		}
		rmq := cfg.Broker.RabbitMQ
		if rmq.Queue == rmq.RetryQueue || rmq.Queue == rmq.DeadLetter || rmq.RetryQueue == rmq.DeadLetter {
			problems = append(problems, "RABBITMQ_QUEUE, RABBITMQ_RETRY_QUEUE and RABBITMQ_DLQ must differ")
		}
		if rmq.ReconnectMaxDelay < rmq.ReconnectBaseDelay {
			problems = append(problems, "RABBITMQ_RECONNECT_MAX_DELAY must not be below RABBITMQ_RECONNECT_BASE_DELAY")
		}
	case types.BrokerSQS:
		if cfg.Broker.SQS.QueueURL == "" {
			problems = append(problems, "SQS_NOTIFICATIONS is required when BROKER_TYPE=sqs")
		}
		if cfg.Broker.SQS.DeadLetterURL == "" {
			problems = append(problems, "SQS_DLQ is required when BROKER_TYPE=sqs")
		}
	}

	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		problems = append(problems, "RETRY_MAX_DELAY must not be below RETRY_INITIAL_DELAY")
	}
	if cfg.Email.Provider == "smtp" && cfg.Email.SMTP.Host == "" {
		problems = append(problems, "SMTP_HOST is required when EMAIL_PROVIDER=smtp")
	}

	if len(problems) > 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: strings.Join(problems, "; "),
		}
	}
	return nil
}

// resolveSSMParams fetches every *_SSM_PARAM target that is not already set
// and writes the values back into the environment. Direct variables win over
// SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths, targets []string

	for _, entry := range deps.environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		pathToTarget[value] = target
		paths = append(paths, value)
		targets = append(targets, target)
	}

	if len(paths) == 0 {
		return nil
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("no secret provider configured (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, pathToTarget[path])
			continue
		}
		if err := deps.setEnv(pathToTarget[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", pathToTarget[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
