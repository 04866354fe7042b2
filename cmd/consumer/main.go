// Package main is the entrypoint for the notification consumer.
//
// Start-up:
//  1. Load configuration (env, .env, SSM outside APP_ENV=local).
//  2. Build the JSON logger, optionally with a rotated log file.
//  3. Load AWS SDK configuration (SES, SQS, CloudWatch).
//  4. Open the Postgres pool and the template/notification repositories.
//  5. Build the email sender, metrics, composer and dispatcher.
//  6. Build the broker selected by BROKER_TYPE and the health server.
//  7. Run until SIGINT/SIGTERM.
//
// An unrecoverable broker failure (reconnect attempts exhausted) stops the
// runtime and exits non-zero so the supervisor can restart the process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"notifyhub/internal/broker"
	"notifyhub/internal/config"
	"notifyhub/internal/consumer"
	"notifyhub/internal/db"
	"notifyhub/internal/health"
	"notifyhub/internal/logging"
	"notifyhub/internal/notifications/core"
	"notifyhub/internal/notifications/email"
	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(config.ProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	slogger, logCloser := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Service:    cfg.Service,
		Version:    cfg.Build.Version,
	})
	defer logCloser.Close()
	logger := logging.NewAdapter(slogger)

	logger.Info("notifyhub consumer starting",
		"environment", cfg.Environment,
		"commit", cfg.Build.Commit,
		"broker", string(cfg.Broker.Type),
		"email_provider", cfg.Email.Provider,
	)

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	templates := db.NewTemplateRepository(pool)
	notifications := db.NewNotificationRepository(pool, db.NewTxManager(pool))

	sender, err := email.New(cfg.Email, awsCfg, logger)
	if err != nil {
		return fmt.Errorf("creating email sender: %w", err)
	}

	var metrics telemetry.Metrics = telemetry.NopMetrics{}
	if cfg.Observability.EnableCloudWatch {
		metrics = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	composer := core.NewComposer(templates, notifications, logger)
	dispatcher := core.NewDispatcher(composer, sender, types.SenderIdentity{
		Name:    cfg.Email.FromName,
		Address: cfg.Email.FromAddress,
	}, metrics, logger)

	fatal := make(chan error, 1)
	deps := broker.Deps{
		Logger:  logger,
		Metrics: metrics,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	}
	if cfg.Broker.Type == types.BrokerSQS {
		deps.SQS = sqs.NewFromConfig(awsCfg)
	}

	mb, err := broker.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	opts := consumer.Options{
		Broker:          mb,
		Handler:         dispatcher.Handle,
		ShutdownTimeout: cfg.Runtime.ShutdownTimeout,
		Fatal:           fatal,
		Logger:          logger,
	}
	if cfg.Runtime.HealthAddr != "" {
		probes := []health.Probe{
			health.ProbeFunc("broker", func(context.Context) error {
				if !mb.IsHealthy() {
					return errors.New("broker not connected")
				}
				return nil
			}),
			health.ProbeFunc("database", pool.Ping),
		}
		stats := func(ctx context.Context) (any, error) { return mb.GetStats(ctx) }
		opts.Health = health.NewServer(cfg.Runtime.HealthAddr, health.NewHandler(probes, stats, logger), logger)
	}

	rt, err := consumer.NewRuntime(opts)
	if err != nil {
		return err
	}

	if err := rt.Run(ctx); err != nil {
		logger.Error("Consumer stopped with error", "error", err)
		return err
	}
	logger.Info("notifyhub consumer exited cleanly")
	return nil
}

// loadAWSConfig resolves credentials and region. EndpointURL points every
// client at LocalStack when set.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return awsCfg, nil
}
