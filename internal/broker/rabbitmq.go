package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"notifyhub/internal/config"
	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

// State is the lifecycle state of a RabbitMQBroker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RabbitMQBroker consumes the main queue of a topic exchange topology and
// implements retries with a TTL queue that dead-letters back into the main
// queue. One connection and one channel carry consumption, acks and
// republishing; a lost connection or channel triggers a bounded reconnect.
type RabbitMQBroker struct {
	cfg     config.RabbitMQConfig
	policy  RetryPolicy
	logger  types.Logger
	metrics telemetry.Metrics
	clock   types.Clock

	dial    dialFunc
	sleep   func(ctx context.Context, d time.Duration) error
	onFatal func(err error)

	lifecycle context.Context
	stop      context.CancelFunc

	mu            sync.RWMutex
	state         State
	conn          amqpConnection
	ch            amqpChannel
	consuming     bool
	handlerCtx    context.Context
	stopConsumers context.CancelFunc
	scheduler     gocron.Scheduler

	handlers   *handlerRegistry
	dispatcher *dispatcher

	sem          *semaphore.Weighted
	loops        sync.WaitGroup
	inflight     sync.WaitGroup
	shuttingDown atomic.Bool
	reconnecting atomic.Bool
}

var _ MessageBroker = (*RabbitMQBroker)(nil)

// NewRabbitMQBroker returns a disconnected broker. Call Connect before use.
func NewRabbitMQBroker(cfg config.RabbitMQConfig, policy RetryPolicy, deps Deps) *RabbitMQBroker {
	deps = deps.withDefaults()
	lifecycle, stop := context.WithCancel(context.Background())
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	logger := deps.Logger.With("broker", string(types.BrokerRabbitMQ))

	b := &RabbitMQBroker{
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		dial:       dialAMQP,
		sleep:      sleepCtx,
		onFatal:    deps.OnFatal,
		lifecycle:  lifecycle,
		stop:       stop,
		handlerCtx: context.Background(),
		handlers:   newHandlerRegistry(),
		sem:        semaphore.NewWeighted(int64(prefetch)),
	}
	b.dispatcher = &dispatcher{
		queue:    cfg.Queue,
		policy:   policy,
		handlers: b.handlers,
		logger:   logger,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
	}
	if b.onFatal == nil {
		b.onFatal = func(err error) {
			logger.Error("RabbitMQ connection could not be restored, exiting", "error", err.Error())
			os.Exit(1)
		}
	}
	return b
}

func (b *RabbitMQBroker) Connect(ctx context.Context) error {
	if b.shuttingDown.Load() {
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "broker is shutting down", nil)
	}
	b.setState(StateConnecting)
	if err := b.connect(ctx); err != nil {
		b.setState(StateDisconnected)
		return err
	}
	b.setState(StateConnected)
	b.logger.Info("connected to RabbitMQ",
		"exchange", b.cfg.Exchange,
		"queue", b.cfg.Queue,
		"retry_queue", b.cfg.RetryQueue,
		"dead_letter_queue", b.cfg.DeadLetter,
		"prefetch", b.cfg.Prefetch,
	)
	return nil
}

// connect dials, declares topology and starts the close watcher.
func (b *RabbitMQBroker) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "connect cancelled", err)
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(b.cfg.ConsumerTag)
	conn, err := b.dial(b.cfg.URL.Unmask(), amqp.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to connect to RabbitMQ", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to open channel", err)
	}
	if err := b.declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return topologyError("failed to set prefetch", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to enable publisher confirms", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))

	// Close may have started while dialing. The new transport must not be
	// installed after it has read b.conn and b.ch.
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "broker is shutting down", nil)
	}
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	go b.watch(connClosed, chClosed)
	go b.watchReturns(returns)
	return nil
}

// declareTopology is idempotent; redeclaring with different arguments fails
// with PRECONDITION_FAILED.
func (b *RabbitMQBroker) declareTopology(ch amqpChannel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return topologyError("failed to declare exchange "+b.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return topologyError("failed to declare queue "+b.cfg.Queue, err)
	}
	for _, key := range b.cfg.BindingKeys {
		if err := ch.QueueBind(b.cfg.Queue, key, b.cfg.Exchange, false, nil); err != nil {
			return topologyError(fmt.Sprintf("failed to bind %s with %q", b.cfg.Queue, key), err)
		}
	}

	retryArgs := amqp.Table{
		"x-message-ttl":             b.cfg.RetryTTL.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.Queue,
	}
	if _, err := ch.QueueDeclare(b.cfg.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return topologyError("failed to declare queue "+b.cfg.RetryQueue, err)
	}

	dlqArgs := amqp.Table{"x-message-ttl": b.cfg.DeadLetterTTL.Milliseconds()}
	if _, err := ch.QueueDeclare(b.cfg.DeadLetter, true, false, false, false, dlqArgs); err != nil {
		return topologyError("failed to declare queue "+b.cfg.DeadLetter, err)
	}
	return nil
}

func topologyError(msg string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return types.NewAppErrorWithDetails(types.ErrCodeBrokerTopology, msg, err,
			map[string]any{"amqp_code": amqpErr.Code, "reason": amqpErr.Reason})
	}
	return types.NewAppError(types.ErrCodeBrokerUnavailable, msg, err)
}

func (b *RabbitMQBroker) RegisterEventHandler(eventType types.EventType, handler EventHandler) {
	replaced := b.handlers.set(eventType, handler)
	if b.isConsuming() {
		b.logger.Info("handler registered while consuming", "event_type", string(eventType), "replaced", replaced)
	}
}

// StartConsuming starts delivery. Handlers run with a context derived from
// ctx that is not cancelled when ctx is; Close governs their lifetime.
func (b *RabbitMQBroker) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	if b.ch == nil {
		b.mu.Unlock()
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "StartConsuming called before Connect", nil)
	}
	if b.consuming {
		b.mu.Unlock()
		return nil
	}
	b.consuming = true
	b.handlerCtx = context.WithoutCancel(ctx)
	b.mu.Unlock()

	if err := b.startConsumers(); err != nil {
		b.mu.Lock()
		b.consuming = false
		b.mu.Unlock()
		return err
	}
	b.setState(StateConsuming)
	b.startStatsPoller()

	b.logger.Info("consuming", "queue", b.cfg.Queue, "handlers", b.handlers.len(), "dlq_monitor", b.cfg.MonitorDeadLetters)
	return nil
}

func (b *RabbitMQBroker) dlqConsumerTag() string {
	return b.cfg.ConsumerTag + "-dlq-monitor"
}

func (b *RabbitMQBroker) startConsumers() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "no open channel", nil)
	}
	if b.shuttingDown.Load() || !b.consuming {
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "broker is shutting down", nil)
	}

	deliveries, err := b.ch.Consume(b.cfg.Queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to consume "+b.cfg.Queue, err)
	}
	var deadLetters <-chan amqp.Delivery
	if b.cfg.MonitorDeadLetters {
		deadLetters, err = b.ch.Consume(b.cfg.DeadLetter, b.dlqConsumerTag(), false, false, false, false, nil)
		if err != nil {
			_ = b.ch.Cancel(b.cfg.ConsumerTag, false)
			return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to consume "+b.cfg.DeadLetter, err)
		}
	}

	ctx, cancel := context.WithCancel(b.lifecycle)
	b.stopConsumers = cancel

	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		b.dispatchLoop(ctx, deliveries)
	}()
	if deadLetters != nil {
		b.loops.Add(1)
		go func() {
			defer b.loops.Done()
			b.monitorLoop(ctx, deadLetters)
		}()
	}
	return nil
}

// dispatchLoop hands each delivery to its own goroutine once a prefetch
// slot is free, so at most Prefetch handlers run at a time.
func (b *RabbitMQBroker) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := b.sem.Acquire(ctx, 1); err != nil {
				b.nack(d, true, b.logger)
				return
			}
			b.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer b.inflight.Done()
				defer b.sem.Release(1)
				b.handleDelivery(d)
			}(d)
		}
	}
}

func (b *RabbitMQBroker) handleDelivery(d amqp.Delivery) {
	env := types.MessageEnvelope{
		Body:          d.Body,
		CorrelationID: correlationIDFor(d),
		MessageID:     d.MessageId,
		RoutingKey:    d.RoutingKey,
		Retry:         decodeTableRetry(d.Headers),
	}
	b.dispatcher.process(b.baseContext(), env, &amqpSettler{broker: b, delivery: d})
}

// amqpSettler republishes through the broker channel to the default
// exchange, addressing the retry queue or DLQ by name.
type amqpSettler struct {
	broker   *RabbitMQBroker
	delivery amqp.Delivery
}

func (s *amqpSettler) Ack() error     { return s.delivery.Ack(false) }
func (s *amqpSettler) Release() error { return s.delivery.Nack(false, true) }
func (s *amqpSettler) Discard() error { return s.delivery.Nack(false, false) }

func (s *amqpSettler) Republish(ctx context.Context, env types.MessageEnvelope, decision RetryDecision) error {
	b := s.broker
	target := b.cfg.RetryQueue
	if decision.DeadLetter {
		target = b.cfg.DeadLetter
	}
	headers := retryTable(decision.Meta, decision.Delay)
	headers[types.HeaderCorrelationID] = env.CorrelationID
	if env.MessageID != "" {
		headers[types.HeaderMessageID] = env.MessageID
	}
	contentType := s.delivery.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return b.publish(ctx, "", target, true, amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		MessageId:     env.MessageID,
		Timestamp:     b.clock.Now(),
		Body:          env.Body,
	})
}

func (b *RabbitMQBroker) publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	ch := b.channel()
	if ch == nil {
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "no open channel", nil)
	}
	return publishConfirmed(ctx, ch, exchange, key, mandatory, msg)
}

// publishConfirmed returns nil only after the server has confirmed msg. A
// negative confirm, a channel closed before the confirm arrived, or ctx
// expiring are all errors.
func publishConfirmed(ctx context.Context, ch amqpChannel, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	conf, err := ch.PublishConfirmed(ctx, exchange, key, mandatory, false, msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "publish to "+key+" failed", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "no confirm for publish to "+key, err)
	}
	if !acked {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "server rejected publish to "+key, nil)
	}
	return nil
}

// watchReturns logs mandatory publishings the server could not route. It
// exits when the channel closes.
func (b *RabbitMQBroker) watchReturns(returns <-chan amqp.Return) {
	for r := range returns {
		b.logger.Error("publish returned unroutable",
			"exchange", r.Exchange,
			"routing_key", r.RoutingKey,
			"reply_code", r.ReplyCode,
			"reply_text", r.ReplyText,
			"message_id", r.MessageId,
			"correlation_id", r.CorrelationId,
			"body_bytes", len(r.Body),
		)
	}
}

// PublishEvent sends payload to the exchange with eventType as routing key.
// eventType and timestamp are added to the body when missing.
func (b *RabbitMQBroker) PublishEvent(ctx context.Context, eventType types.EventType, payload map[string]any, correlationID string) error {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	if _, ok := body["eventType"]; !ok {
		body["eventType"] = string(eventType)
	}
	if _, ok := body["timestamp"]; !ok {
		body["timestamp"] = b.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeMalformedEvent, "failed to encode event", err)
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	messageID := uuid.NewString()
	err = b.publish(ctx, b.cfg.Exchange, string(eventType), false, amqp.Publishing{
		Headers: amqp.Table{
			types.HeaderCorrelationID: correlationID,
			types.HeaderMessageID:     messageID,
		},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		MessageId:     messageID,
		Timestamp:     b.clock.Now(),
		Body:          raw,
	})
	if err != nil {
		return err
	}
	b.logger.Info("event published",
		"event_type", string(eventType),
		"correlation_id", correlationID,
		"message_id", messageID,
	)
	return nil
}

// Close cancels the consumers, waits for in-flight handlers until ctx is
// done and closes the channel and connection. A timeout is reported but the
// transport is released regardless; unacked messages are redelivered by the
// server.
func (b *RabbitMQBroker) Close(ctx context.Context) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.setState(StateShuttingDown)
	b.stopStatsPoller()

	b.mu.Lock()
	ch := b.ch
	consuming := b.consuming
	b.consuming = false
	cancel := b.stopConsumers
	b.stopConsumers = nil
	b.mu.Unlock()

	if ch != nil && consuming {
		if err := ch.Cancel(b.cfg.ConsumerTag, false); err != nil {
			b.logger.Warn("failed to cancel consumer", "error", err.Error())
		}
		if b.cfg.MonitorDeadLetters {
			_ = ch.Cancel(b.dlqConsumerTag(), false)
		}
	}
	if cancel != nil {
		cancel()
	}
	b.loops.Wait()

	var result error
	if err := waitGroupWithContext(ctx, &b.inflight); err != nil {
		b.logger.Warn("shutdown deadline reached with handlers still running", "error", err.Error())
		result = types.NewAppError(types.ErrCodeBrokerUnavailable, "in-flight handlers did not finish", err)
	}
	b.stop()

	b.mu.Lock()
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			b.logger.Warn("failed to close connection", "error", err.Error())
		}
	}
	b.setState(StateDisconnected)
	b.logger.Info("RabbitMQ broker closed")
	return result
}

func (b *RabbitMQBroker) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil || b.conn.IsClosed() {
		return false
	}
	return b.state == StateConnected || b.state == StateConsuming
}

// GetStats passively declares each queue on a short-lived channel, since a
// failed passive declare closes the channel it ran on.
func (b *RabbitMQBroker) GetStats(ctx context.Context) (*Stats, error) {
	b.mu.RLock()
	conn, state := b.conn, b.state
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, types.NewAppError(types.ErrCodeBrokerNotConnected, "not connected", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to open stats channel", err)
	}
	defer ch.Close()

	stats := &Stats{Broker: types.BrokerRabbitMQ, State: state.String()}
	for _, name := range []string{b.cfg.Queue, b.cfg.RetryQueue, b.cfg.DeadLetter} {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, topologyError("failed to inspect queue "+name, err)
		}
		stats.Queues = append(stats.Queues, QueueStats{Name: name, Messages: q.Messages, Consumers: q.Consumers})
	}
	return stats, nil
}

// State returns the current lifecycle state.
func (b *RabbitMQBroker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// setState ignores every transition except ShuttingDown and Disconnected
// once Close has begun.
func (b *RabbitMQBroker) setState(s State) {
	b.mu.Lock()
	if b.shuttingDown.Load() && s != StateShuttingDown && s != StateDisconnected {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.logger.Info("broker state changed", "from", prev.String(), "to", s.String())
	}
}

func (b *RabbitMQBroker) channel() amqpChannel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ch
}

func (b *RabbitMQBroker) isConsuming() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consuming
}

func (b *RabbitMQBroker) baseContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlerCtx
}

func (b *RabbitMQBroker) ack(d amqp.Delivery, logger types.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack message", "error", err.Error())
	}
}

func (b *RabbitMQBroker) nack(d amqp.Delivery, requeue bool, logger types.Logger) {
	if err := d.Nack(false, requeue); err != nil {
		logger.Error("failed to nack message", "requeue", requeue, "error", err.Error())
	}
}

// correlationIDFor prefers the correlationId header, then the AMQP property,
// then the message id, and finally generates one.
func correlationIDFor(d amqp.Delivery) string {
	if v, ok := d.Headers[types.HeaderCorrelationID].(string); ok && v != "" {
		return v
	}
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	if d.MessageId != "" {
		return d.MessageId
	}
	return uuid.NewString()
}

func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
