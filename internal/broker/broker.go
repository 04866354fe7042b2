// Package broker delivers domain events from a message broker to registered
// handlers with at-least-once semantics.
//
// A handler returning nil acknowledges the message. Any other result sends
// the message through the retry path: it is republished with an incremented
// retry count until the policy is exhausted and then parked on the dead
// letter queue. Handlers must therefore be safe to run more than once for
// the same event.
package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"notifyhub/internal/config"
	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

// EventHandler processes one decoded event. correlationID is never empty.
type EventHandler func(ctx context.Context, event types.Event, correlationID string) error

// MessageBroker is the transport-neutral consumer/publisher contract.
type MessageBroker interface {
	// Connect establishes the transport and declares topology.
	Connect(ctx context.Context) error
	// RegisterEventHandler binds handler to eventType. A later registration
	// for the same type replaces the earlier one. Safe to call while
	// consuming.
	RegisterEventHandler(eventType types.EventType, handler EventHandler)
	// StartConsuming begins delivery to handlers and returns immediately.
	StartConsuming(ctx context.Context) error
	PublishEvent(ctx context.Context, eventType types.EventType, payload map[string]any, correlationID string) error
	// Close stops consumption, waits for in-flight handlers until ctx is
	// done, then releases the transport.
	Close(ctx context.Context) error
	IsHealthy() bool
	GetStats(ctx context.Context) (*Stats, error)
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Stats describes the main, retry and dead letter queues.
type Stats struct {
	Broker types.BrokerType `json:"broker"`
	State  string           `json:"state"`
	Queues []QueueStats     `json:"queues"`
}

// Deps are the collaborators shared by every broker implementation.
type Deps struct {
	Logger  types.Logger
	Metrics telemetry.Metrics
	Clock   types.Clock
	// SQS is required for BROKER_TYPE=sqs.
	SQS     SQSAPI
	// OnFatal is called when the connection cannot be restored. Defaults to
	// logging and exiting the process.
	OnFatal func(err error)
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	return d
}

// New returns the broker selected by cfg.Broker.Type.
func New(cfg *config.Config, deps Deps) (MessageBroker, error) {
	deps = deps.withDefaults()
	policy := PolicyFromConfig(cfg.Retry)

	switch cfg.Broker.Type {
	case types.BrokerRabbitMQ:
		return NewRabbitMQBroker(cfg.Broker.RabbitMQ, policy, deps), nil
	case types.BrokerSQS:
		if deps.SQS == nil {
			return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "SQS client not configured", nil)
		}
		return NewSQSBroker(cfg.Broker.SQS, policy, deps), nil
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeBrokerUnsupported,
			fmt.Sprintf("broker type %q is not supported", cfg.Broker.Type), nil,
			map[string]any{"broker_type": string(cfg.Broker.Type)})
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not expected to succeed on redelivery. It is logged
// as such and, when the retry policy enables DeadLetterPermanent, sent to the
// dead letter queue without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent or is a
// malformed payload.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || types.IsCode(err, types.ErrCodeMalformedEvent)
}

// invokeHandler runs h and converts a panic into a handler failure.
func invokeHandler(ctx context.Context, h EventHandler, event types.Event, correlationID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppErrorWithDetails(types.ErrCodeHandlerFailure,
				fmt.Sprintf("handler panic: %v", r), nil,
				map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return h(ctx, event, correlationID)
}
