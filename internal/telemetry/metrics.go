// Package telemetry emits operational metrics for the consumer pipeline.
package telemetry

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"notifyhub/internal/types"
)

// Outcome is the lifecycle stage a message metric is recorded for.
type Outcome string

const (
	OutcomeReceived     Outcome = "received"
	OutcomeProcessed    Outcome = "processed"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
)

var outcomeMetric = map[Outcome]string{
	OutcomeReceived:     types.MetricMessageReceived,
	OutcomeProcessed:    types.MetricMessageProcessed,
	OutcomeRetried:      types.MetricMessageRetried,
	OutcomeDeadLettered: types.MetricMessageDeadLettered,
	OutcomeDropped:      types.MetricMessageDropped,
}

// DeliveryResult labels an email delivery attempt.
type DeliveryResult string

const (
	DeliverySuccess DeliveryResult = "success"
	DeliveryFailure DeliveryResult = "failure"
	DeliveryBlocked DeliveryResult = "blocked"
)

// Metrics is implemented by CloudWatchMetrics and NopMetrics. Recording never
// fails the caller; emission errors are logged.
type Metrics interface {
	RecordMessage(ctx context.Context, eventType types.EventType, outcome Outcome)
	RecordHandlerLatency(ctx context.Context, eventType types.EventType, d time.Duration)
	RecordQueueDepth(ctx context.Context, queue string, messages, consumers int)
	RecordDelivery(ctx context.Context, channel types.ChannelType, result DeliveryResult)
	RecordReconnect(ctx context.Context, broker types.BrokerType, attempt int)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes each observation as a PutMetricData call.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics returns metrics in namespace (types.MetricNamespace
// when empty).
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordMessage(ctx context.Context, eventType types.EventType, outcome Outcome) {
	name, ok := outcomeMetric[outcome]
	if !ok {
		return
	}
	m.put(ctx, datum(name, 1, cwtypes.StandardUnitCount, types.DimEventType, string(eventType)))
}

func (m *CloudWatchMetrics) RecordHandlerLatency(ctx context.Context, eventType types.EventType, d time.Duration) {
	m.put(ctx, datum(types.MetricHandlerLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		types.DimEventType, string(eventType)))
}

// RecordQueueDepth sends depth and consumer count in one request.
func (m *CloudWatchMetrics) RecordQueueDepth(ctx context.Context, queue string, messages, consumers int) {
	m.put(ctx,
		datum(types.MetricQueueDepth, float64(messages), cwtypes.StandardUnitCount, types.DimQueue, queue),
		datum(types.MetricQueueConsumers, float64(consumers), cwtypes.StandardUnitCount, types.DimQueue, queue),
	)
}

func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, channel types.ChannelType, result DeliveryResult) {
	d := datum(types.MetricDeliveryAttempt, 1, cwtypes.StandardUnitCount, types.DimChannel, string(channel))
	d.Dimensions = append(d.Dimensions, cwtypes.Dimension{
		Name:  aws.String(types.DimResult),
		Value: aws.String(string(result)),
	})
	m.put(ctx, d)
}

func (m *CloudWatchMetrics) RecordReconnect(ctx context.Context, broker types.BrokerType, attempt int) {
	m.put(ctx, datum(types.MetricBrokerReconnect, float64(attempt), cwtypes.StandardUnitCount,
		types.DimBroker, string(broker)))
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Warn("failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func datum(name string, value float64, unit cwtypes.StandardUnit, dimName, dimValue string) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now().UTC()),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimName), Value: aws.String(dimValue)},
		},
	}
}

// NopMetrics discards everything. Used when CloudWatch is disabled and in tests.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) RecordMessage(context.Context, types.EventType, Outcome)              {}
func (NopMetrics) RecordHandlerLatency(context.Context, types.EventType, time.Duration) {}
func (NopMetrics) RecordQueueDepth(context.Context, string, int, int)                  {}
func (NopMetrics) RecordDelivery(context.Context, types.ChannelType, DeliveryResult)   {}
func (NopMetrics) RecordReconnect(context.Context, types.BrokerType, int)              {}
