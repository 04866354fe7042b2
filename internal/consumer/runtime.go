// Package consumer runs the notification dispatcher process: it binds the
// event handler to every known event type, starts the broker and drains it
// on shutdown.
package consumer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"notifyhub/internal/broker"
	"notifyhub/internal/types"
)

const defaultShutdownTimeout = 30 * time.Second

// HealthServer is served alongside the broker for the life of the runtime.
type HealthServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Options configure a Runtime.
type Options struct {
	Broker          broker.MessageBroker
	Handler         broker.EventHandler
	// EventTypes defaults to types.KnownEventTypes.
	EventTypes      []types.EventType
	ShutdownTimeout time.Duration
	// Fatal delivers unrecoverable broker errors, typically from
	// broker.Deps.OnFatal. Optional.
	Fatal           <-chan error
	// Health is optional.
	Health          HealthServer
	Logger          types.Logger
}

// Runtime owns the broker for the lifetime of the process.
type Runtime struct {
	broker          broker.MessageBroker
	handler         broker.EventHandler
	eventTypes      []types.EventType
	shutdownTimeout time.Duration
	fatal           <-chan error
	health          HealthServer
	logger          types.Logger
}

// NewRuntime validates opts and returns a Runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("consumer: broker is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("consumer: handler is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("consumer: logger is required")
	}
	eventTypes := opts.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = types.KnownEventTypes
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Runtime{
		broker:          opts.Broker,
		handler:         opts.Handler,
		eventTypes:      eventTypes,
		shutdownTimeout: timeout,
		fatal:           opts.Fatal,
		health:          opts.Health,
		logger:          opts.Logger,
	}, nil
}

// Run registers handlers, connects and consumes until ctx is cancelled or
// the broker reports a fatal error. It always attempts a graceful Close
// before returning. A nil result means a clean shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	for _, et := range r.eventTypes {
		r.broker.RegisterEventHandler(et, r.handler)
	}

	if err := r.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := r.broker.StartConsuming(ctx); err != nil {
		if closeErr := r.shutdown(); closeErr != nil {
			r.logger.Error("Close after failed start", "error", closeErr)
		}
		return fmt.Errorf("start consuming: %w", err)
	}
	r.logger.Info("Consumer started", "event_types", len(r.eventTypes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-r.fatal:
			if err == nil {
				return nil
			}
			r.logger.Error("Broker failed", "error", err)
			return err
		}
	})
	if r.health != nil {
		g.Go(r.health.ListenAndServe)
	}
	g.Go(func() error {
		<-gctx.Done()
		return r.shutdown()
	})
	return g.Wait()
}

func (r *Runtime) shutdown() error {
	r.logger.Info("Shutting down consumer", "timeout", r.shutdownTimeout.String())
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	if r.health != nil {
		if err := r.health.Shutdown(ctx); err != nil {
			r.logger.Warn("Health server shutdown failed", "error", err)
		}
	}
	if err := r.broker.Close(ctx); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	r.logger.Info("Consumer stopped", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
