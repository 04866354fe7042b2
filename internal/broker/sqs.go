package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"notifyhub/internal/config"
	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

// SQSAPI is the subset of *sqs.Client the SQS broker uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

const (
	sqsMaxDelaySeconds = 900
	sqsMaxBatch        = 10
	sqsErrorBackoff    = time.Second
)

// SQSBroker consumes a single SQS queue. Retries are re-sent to the same
// queue with DelaySeconds set to the policy backoff, and dead letters go to
// DeadLetterURL. A message whose retry cannot be sent is left in flight and
// reappears after the visibility timeout.
type SQSBroker struct {
	cfg     config.SQSConfig
	client  SQSAPI
	logger  types.Logger
	metrics telemetry.Metrics
	clock   types.Clock

	handlers   *handlerRegistry
	dispatcher *dispatcher

	mu         sync.RWMutex
	state      State
	consuming  bool
	handlerCtx context.Context
	stopPoll   context.CancelFunc

	sem      *semaphore.Weighted
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	closed   atomic.Bool
}

var _ MessageBroker = (*SQSBroker)(nil)

func NewSQSBroker(cfg config.SQSConfig, policy RetryPolicy, deps Deps) *SQSBroker {
	deps = deps.withDefaults()
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	logger := deps.Logger.With("broker", string(types.BrokerSQS))
	handlers := newHandlerRegistry()
	return &SQSBroker{
		cfg:        cfg,
		client:     deps.SQS,
		logger:     logger,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		handlers:   handlers,
		handlerCtx: context.Background(),
		sem:        semaphore.NewWeighted(int64(workers)),
		dispatcher: &dispatcher{
			queue:    cfg.QueueURL,
			policy:   policy,
			handlers: handlers,
			logger:   logger,
			metrics:  deps.Metrics,
			clock:    deps.Clock,
		},
	}
}

// Connect verifies both queues are reachable.
func (b *SQSBroker) Connect(ctx context.Context) error {
	b.setState(StateConnecting)
	for _, url := range []string{b.cfg.QueueURL, b.cfg.DeadLetterURL} {
		if _, err := b.queueDepth(ctx, url); err != nil {
			b.setState(StateDisconnected)
			return err
		}
	}
	b.setState(StateConnected)
	b.logger.Info("connected to SQS", "queue_url", b.cfg.QueueURL, "dlq_url", b.cfg.DeadLetterURL)
	return nil
}

func (b *SQSBroker) RegisterEventHandler(eventType types.EventType, handler EventHandler) {
	if b.handlers.set(eventType, handler) {
		b.logger.Info("handler replaced", "event_type", string(eventType))
	}
}

func (b *SQSBroker) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected && b.state != StateConsuming {
		return types.NewAppError(types.ErrCodeBrokerNotConnected, "StartConsuming called before Connect", nil)
	}
	if b.consuming {
		return nil
	}
	b.consuming = true
	b.handlerCtx = context.WithoutCancel(ctx)
	pollCtx, cancel := context.WithCancel(context.Background())
	b.stopPoll = cancel
	b.state = StateConsuming

	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		b.pollLoop(pollCtx)
	}()
	b.logger.Info("consuming", "queue_url", b.cfg.QueueURL, "workers", b.cfg.Workers, "handlers", b.handlers.len())
	return nil
}

func (b *SQSBroker) pollLoop(ctx context.Context) {
	batch := int32(b.cfg.Workers)
	if batch > sqsMaxBatch {
		batch = sqsMaxBatch
	}
	if batch < 1 {
		batch = 1
	}
	for {
		if ctx.Err() != nil {
			return
		}
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(b.cfg.QueueURL),
			MaxNumberOfMessages:   batch,
			WaitTimeSeconds:       int32(b.cfg.WaitTime.Seconds()),
			VisibilityTimeout:     int32(b.cfg.VisibilityTimeout.Seconds()),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("receive failed", "error", err.Error())
			if sleepCtx(ctx, sqsErrorBackoff) != nil {
				return
			}
			continue
		}
		for _, m := range out.Messages {
			if err := b.sem.Acquire(ctx, 1); err != nil {
				// Unprocessed messages become visible again after the timeout.
				return
			}
			b.inflight.Add(1)
			go func(m sqstypes.Message) {
				defer b.inflight.Done()
				defer b.sem.Release(1)
				b.handleMessage(m)
			}(m)
		}
	}
}

func (b *SQSBroker) handleMessage(m sqstypes.Message) {
	attrs := m.MessageAttributes
	get := func(key string) (any, bool) {
		v, ok := attrs[key]
		if !ok || v.StringValue == nil {
			return nil, false
		}
		return *v.StringValue, true
	}

	env := types.MessageEnvelope{
		Body:      []byte(aws.ToString(m.Body)),
		MessageID: aws.ToString(m.MessageId),
		Retry:     DecodeRetryMetadata(get),
	}
	if v, ok := get(types.HeaderMessageID); ok {
		env.MessageID = v.(string)
	}
	if v, ok := get(types.HeaderCorrelationID); ok && v.(string) != "" {
		env.CorrelationID = v.(string)
	} else if env.MessageID != "" {
		env.CorrelationID = env.MessageID
	} else {
		env.CorrelationID = uuid.NewString()
	}

	b.dispatcher.process(b.baseContext(), env, &sqsSettler{broker: b, receiptHandle: m.ReceiptHandle})
}

type sqsSettler struct {
	broker        *SQSBroker
	receiptHandle *string
}

func (s *sqsSettler) Ack() error     { return s.delete() }
func (s *sqsSettler) Discard() error { return s.delete() }

// Release leaves the message in flight until its visibility timeout lapses.
func (s *sqsSettler) Release() error { return nil }

func (s *sqsSettler) delete() error {
	ctx, cancel := context.WithTimeout(context.Background(), republishTimeout)
	defer cancel()
	_, err := s.broker.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.broker.cfg.QueueURL),
		ReceiptHandle: s.receiptHandle,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to delete message", err)
	}
	return nil
}

func (s *sqsSettler) Republish(ctx context.Context, env types.MessageEnvelope, decision RetryDecision) error {
	b := s.broker
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(b.cfg.QueueURL),
		MessageBody:       aws.String(string(env.Body)),
		MessageAttributes: retryAttributes(decision.Meta, decision.Delay, env),
	}
	if decision.DeadLetter {
		input.QueueUrl = aws.String(b.cfg.DeadLetterURL)
	} else {
		input.DelaySeconds = delaySeconds(decision.Delay)
	}
	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to send retry message", err)
	}
	return nil
}

// delaySeconds clamps d to the SQS maximum of 900 seconds.
func delaySeconds(d time.Duration) int32 {
	sec := int64(d / time.Second)
	if sec > sqsMaxDelaySeconds {
		return sqsMaxDelaySeconds
	}
	if sec < 0 {
		return 0
	}
	return int32(sec)
}

func retryAttributes(meta types.RetryMetadata, delay time.Duration, env types.MessageEnvelope) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		types.HeaderRetryCount:       numberAttr(int64(meta.RetryCount)),
		types.HeaderFirstFailureTime: numberAttr(meta.FirstFailureTime),
		types.HeaderLastFailureTime:  numberAttr(meta.LastFailureTime),
		types.HeaderCorrelationID:    stringAttr(env.CorrelationID),
	}
	if meta.OriginalQueue != "" {
		attrs[types.HeaderOriginalQueue] = stringAttr(meta.OriginalQueue)
	}
	if meta.FinalError != "" {
		attrs[types.HeaderFinalError] = stringAttr(meta.FinalError)
	}
	if env.MessageID != "" {
		attrs[types.HeaderMessageID] = stringAttr(env.MessageID)
	}
	if delay > 0 {
		attrs[types.HeaderRetryDelayMs] = numberAttr(delay.Milliseconds())
	}
	return attrs
}

func stringAttr(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func numberAttr(v int64) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(v, 10))}
}

func (b *SQSBroker) PublishEvent(ctx context.Context, eventType types.EventType, payload map[string]any, correlationID string) error {
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
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.cfg.QueueURL),
		MessageBody: aws.String(string(raw)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			types.HeaderCorrelationID: stringAttr(correlationID),
			"eventType":               stringAttr(string(eventType)),
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to publish event", err)
	}
	b.logger.Info("event published", "event_type", string(eventType), "correlation_id", correlationID)
	return nil
}

func (b *SQSBroker) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.setState(StateShuttingDown)
	b.mu.Lock()
	stop := b.stopPoll
	b.stopPoll = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	b.loops.Wait()

	var result error
	if err := waitGroupWithContext(ctx, &b.inflight); err != nil {
		b.logger.Warn("shutdown deadline reached with handlers still running", "error", err.Error())
		result = types.NewAppError(types.ErrCodeBrokerUnavailable, "in-flight handlers did not finish", err)
	}
	b.setState(StateDisconnected)
	b.logger.Info("SQS broker closed")
	return result
}

func (b *SQSBroker) IsHealthy() bool {
	s := b.State()
	return s == StateConnected || s == StateConsuming
}

func (b *SQSBroker) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Broker: types.BrokerSQS, State: b.State().String()}
	for _, url := range []string{b.cfg.QueueURL, b.cfg.DeadLetterURL} {
		n, err := b.queueDepth(ctx, url)
		if err != nil {
			return nil, err
		}
		stats.Queues = append(stats.Queues, QueueStats{Name: url, Messages: n})
	}
	return stats, nil
}

func (b *SQSBroker) queueDepth(ctx context.Context, url string) (int, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to read attributes of "+url, err)
	}
	raw := out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeBrokerUnavailable, "unexpected queue depth "+raw, err)
	}
	return n, nil
}

// State returns the current lifecycle state.
func (b *SQSBroker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *SQSBroker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *SQSBroker) baseContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlerCtx
}
