package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/types"
)

// monitorLoop logs and acknowledges every dead letter. While it runs the DLQ
// is drained, so RABBITMQ_DLQ_MONITOR must be off for messages to stay
// parked for RequeueDeadLetters.
func (b *RabbitMQBroker) monitorLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			meta := decodeTableRetry(d.Headers)
			b.logger.Error("dead letter received",
				"correlation_id", correlationIDFor(d),
				"message_id", d.MessageId,
				"retry_count", meta.RetryCount,
				"original_queue", meta.OriginalQueue,
				"first_failure", meta.FirstFailure(),
				"last_failure", meta.LastFailure(),
				"final_error", meta.FinalError,
				"body_bytes", len(d.Body),
			)
			b.ack(d, b.logger)
		}
	}
}

// RequeueDeadLetters moves up to limit messages from the dead letter queue
// back to the main queue with their retry history removed. limit <= 0 moves
// everything currently queued. It stops at the first failure, leaving that
// message on the DLQ, and returns how many were moved.
func (b *RabbitMQBroker) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return 0, types.NewAppError(types.ErrCodeBrokerNotConnected, "not connected", nil)
	}

	ch, err := conn.Channel()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to open requeue channel", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return 0, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to enable publisher confirms", err)
	}

	moved := 0
	for limit <= 0 || moved < limit {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		d, ok, err := ch.Get(b.cfg.DeadLetter, false)
		if err != nil {
			return moved, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to read "+b.cfg.DeadLetter, err)
		}
		if !ok {
			break
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		for _, k := range retryHeaderKeys {
			delete(headers, k)
		}

		err = publishConfirmed(ctx, ch, "", b.cfg.Queue, true, amqp.Publishing{
			Headers:       headers,
			ContentType:   d.ContentType,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: d.CorrelationId,
			MessageId:     d.MessageId,
			Timestamp:     b.clock.Now(),
			Body:          d.Body,
		})
		if err != nil {
			_ = d.Nack(false, true)
			return moved, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to republish dead letter", err)
		}
		if err := d.Ack(false); err != nil {
			return moved, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to ack dead letter", err)
		}
		moved++
		b.logger.Info("dead letter requeued",
			"message_id", d.MessageId,
			"correlation_id", correlationIDFor(d),
			"queue", b.cfg.Queue,
		)
	}
	return moved, nil
}
