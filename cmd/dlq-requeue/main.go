// Package main moves parked messages from the RabbitMQ dead letter queue back
// onto the main queue.
//
// Retry headers are stripped so each message starts a fresh retry cycle.
// Run it only while the consumers' DLQ monitor is disabled
// (RABBITMQ_DLQ_MONITOR=false), otherwise the monitor acknowledges parked
// messages before they can be requeued.
//
// Usage:
//
//	dlq-requeue -limit 100
//	dlq-requeue -stats
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyhub/internal/broker"
	"notifyhub/internal/config"
	"notifyhub/internal/logging"
	"notifyhub/internal/types"
)

type options struct {
	limit   int
	stats   bool
	timeout time.Duration
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("dlq-requeue", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.IntVar(&opts.limit, "limit", 0, "Maximum messages to requeue (0 = drain the queue)")
	fs.BoolVar(&opts.stats, "stats", false, "Print queue depths and exit without requeueing")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall time limit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dlq-requeue [flags]\n\n")
		fmt.Fprintf(stderr, "Republishes dead-lettered notifications to the main queue.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.limit < 0 {
		return options{}, errors.New("-limit must not be negative")
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("-timeout must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	cfg, err := config.LoadConfig(config.ProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Broker.Type != types.BrokerRabbitMQ {
		return fmt.Errorf("dead letter requeue requires BROKER_TYPE=rabbitmq, got %q", cfg.Broker.Type)
	}

	slogger, logCloser := logging.New(logging.Options{Level: cfg.Log.Level, Service: "dlq-requeue", Version: cfg.Build.Version})
	defer logCloser.Close()
	logger := logging.NewAdapter(slogger)

	rmq := broker.NewRabbitMQBroker(cfg.Broker.RabbitMQ, broker.PolicyFromConfig(cfg.Retry), broker.Deps{
		Logger: logger,
		OnFatal: func(err error) {
			logger.Error("Lost broker connection", "error", err)
			cancel()
		},
	})
	if err := rmq.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := rmq.Close(closeCtx); err != nil {
			logger.Warn("Broker close failed", "error", err)
		}
	}()

	if err := printStats(ctx, rmq, os.Stdout); err != nil {
		return err
	}
	if opts.stats {
		return nil
	}

	moved, err := rmq.RequeueDeadLetters(ctx, opts.limit)
	fmt.Fprintf(os.Stdout, "requeued %d message(s) to %s\n", moved, cfg.Broker.RabbitMQ.Queue)
	if err != nil {
		return fmt.Errorf("requeue stopped after %d message(s): %w", moved, err)
	}
	return printStats(ctx, rmq, os.Stdout)
}

func printStats(ctx context.Context, b broker.MessageBroker, w io.Writer) error {
	stats, err := b.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}
	for _, q := range stats.Queues {
		fmt.Fprintf(w, "%-32s messages=%d consumers=%d\n", q.Name, q.Messages, q.Consumers)
	}
	return nil
}
