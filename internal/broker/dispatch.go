package broker

import (
	"context"
	"sync"
	"time"

	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

const republishTimeout = 10 * time.Second

type handlerRegistry struct {
	mu sync.RWMutex
	m  map[types.EventType]EventHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{m: make(map[types.EventType]EventHandler)}
}

func (r *handlerRegistry) set(eventType types.EventType, h EventHandler) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.m[eventType]
	r.m[eventType] = h
	return replaced
}

func (r *handlerRegistry) get(eventType types.EventType) EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[eventType]
}

func (r *handlerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// settler completes one received message. Every processed message ends in
// exactly one of Ack, Release or Republish followed by Discard.
type settler interface {
	Ack() error
	// Release hands the message back for redelivery.
	Release() error
	// Republish sends a copy carrying decision.Meta to the retry destination
	// or, for a dead letter decision, to the dead letter queue.
	Republish(ctx context.Context, env types.MessageEnvelope, decision RetryDecision) error
	// Discard drops the original after a successful Republish.
	Discard() error
}

// dispatcher is the transport-neutral half of a broker: decode, route to a
// handler and apply the retry policy.
type dispatcher struct {
	queue    string
	policy   RetryPolicy
	handlers *handlerRegistry
	logger   types.Logger
	metrics  telemetry.Metrics
	clock    types.Clock
}

func (d *dispatcher) process(base context.Context, env types.MessageEnvelope, s settler) {
	start := d.clock.Now()
	logger := d.logger.With(
		"correlation_id", env.CorrelationID,
		"message_id", env.MessageID,
		"routing_key", env.RoutingKey,
		"retry_count", env.Retry.RetryCount,
	)

	event, err := DecodeEvent(env.Body, start)
	if err != nil {
		logger.Error("malformed message", "error", err.Error(), "body_bytes", len(env.Body))
		d.fail(base, env, s, "", err, logger)
		return
	}
	logger = logger.With("event_type", string(event.EventType), "user_id", event.UserID)
	d.metrics.RecordMessage(base, event.EventType, telemetry.OutcomeReceived)

	if !event.EventType.IsKnown() {
		logger.Warn("unsupported event type, acknowledging", "code", string(types.ErrCodeUnsupportedEventType))
		d.drop(base, event.EventType, s, logger)
		return
	}
	h := d.handlers.get(event.EventType)
	if h == nil {
		logger.Warn("no handler registered, acknowledging")
		d.drop(base, event.EventType, s, logger)
		return
	}

	hctx := types.WithLogger(types.WithCorrelationID(base, env.CorrelationID), logger)
	err = invokeHandler(hctx, h, event, env.CorrelationID)
	elapsed := d.clock.Now().Sub(start)
	d.metrics.RecordHandlerLatency(base, event.EventType, elapsed)

	if err == nil {
		if aerr := s.Ack(); aerr != nil {
			logger.Error("failed to ack message", "error", aerr.Error())
			return
		}
		d.metrics.RecordMessage(base, event.EventType, telemetry.OutcomeProcessed)
		logger.Info("message processed", "duration_ms", elapsed.Milliseconds())
		return
	}
	logger.Warn("handler failed", "error", err.Error(), "duration_ms", elapsed.Milliseconds())
	d.fail(base, env, s, event.EventType, err, logger)
}

func (d *dispatcher) drop(base context.Context, eventType types.EventType, s settler, logger types.Logger) {
	d.metrics.RecordMessage(base, eventType, telemetry.OutcomeDropped)
	if err := s.Ack(); err != nil {
		logger.Error("failed to ack message", "error", err.Error())
	}
}

// fail republishes env to the retry destination or, once retries are
// exhausted, to the dead letter queue. The
// original is discarded only after the copy is published; if publishing
// fails it is released for redelivery instead.
func (d *dispatcher) fail(base context.Context, env types.MessageEnvelope, s settler, eventType types.EventType, cause error, logger types.Logger) {
	permanent := IsPermanent(cause)
	decision := NextRetry(env.Retry, d.policy, d.clock.Now(), d.queue, cause, permanent)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), republishTimeout)
	defer cancel()
	if err := s.Republish(ctx, env, decision); err != nil {
		logger.Error("failed to republish failed message, releasing original",
			"dead_letter", decision.DeadLetter, "error", err.Error())
		if rerr := s.Release(); rerr != nil {
			logger.Error("failed to release message", "error", rerr.Error())
		}
		return
	}
	if err := s.Discard(); err != nil {
		logger.Error("failed to discard republished message", "error", err.Error())
	}

	if decision.DeadLetter {
		d.metrics.RecordMessage(base, eventType, telemetry.OutcomeDeadLettered)
		logger.Error("message moved to dead letter queue",
			"retry_count", decision.Meta.RetryCount,
			"max_retries", d.policy.MaxRetries,
			"permanent", permanent,
			"final_error", decision.Meta.FinalError,
			"first_failure", decision.Meta.FirstFailure(),
		)
		return
	}
	d.metrics.RecordMessage(base, eventType, telemetry.OutcomeRetried)
	logger.Warn("message scheduled for retry",
		"retry_count", decision.Meta.RetryCount,
		"max_retries", d.policy.MaxRetries,
		"retry_delay_ms", decision.Delay.Milliseconds(),
		"permanent", permanent,
	)
}
