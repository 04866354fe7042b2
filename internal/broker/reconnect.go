package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/types"
)

// watch blocks until the connection or channel closes and then starts a
// reconnect, unless the broker is shutting down.
func (b *RabbitMQBroker) watch(connClosed, chClosed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-b.lifecycle.Done():
		return
	}
	if b.shuttingDown.Load() {
		return
	}
	if reason != nil {
		b.logger.Warn("RabbitMQ transport closed", "code", reason.Code, "reason", reason.Reason, "server", reason.Server)
	} else {
		b.logger.Warn("RabbitMQ transport closed")
	}
	b.reconnect()
}

// reconnect replaces the transport, waiting ReconnectDelay(attempt) before
// each attempt. Registered handlers survive, and consumers are restarted if
// they were running. Exhausting ReconnectMaxAttempts is fatal.
func (b *RabbitMQBroker) reconnect() {
	if !b.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer b.reconnecting.Store(false)

	b.setState(StateReconnecting)
	b.teardown()

	maxAttempts := b.cfg.ReconnectMaxAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := ReconnectDelay(attempt, b.cfg.ReconnectBaseDelay, b.cfg.ReconnectMaxDelay)
		b.logger.Warn("reconnecting to RabbitMQ",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"delay_ms", delay.Milliseconds(),
		)
		if err := b.sleep(b.lifecycle, delay); err != nil {
			return
		}
		if b.shuttingDown.Load() {
			return
		}
		b.metrics.RecordReconnect(b.lifecycle, types.BrokerRabbitMQ, attempt+1)

		if err := b.connect(b.lifecycle); err != nil {
			if b.shuttingDown.Load() {
				return
			}
			b.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err.Error())
			continue
		}
		if b.shuttingDown.Load() {
			return
		}
		if b.isConsuming() {
			if err := b.startConsumers(); err != nil {
				b.logger.Warn("failed to restart consumers", "attempt", attempt+1, "error", err.Error())
				b.teardown()
				continue
			}
			b.setState(StateConsuming)
		} else {
			b.setState(StateConnected)
		}
		b.logger.Info("reconnected to RabbitMQ", "attempt", attempt+1)
		return
	}

	b.setState(StateDisconnected)
	b.onFatal(types.NewAppError(types.ErrCodeBrokerUnavailable,
		fmt.Sprintf("gave up after %d reconnect attempts", maxAttempts), nil))
}

// teardown stops the consumer loops and closes the current channel and
// connection, ignoring errors from an already broken transport.
func (b *RabbitMQBroker) teardown() {
	b.mu.Lock()
	cancel := b.stopConsumers
	b.stopConsumers = nil
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}
