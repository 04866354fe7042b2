package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricMessageReceived     = "MessageReceived"
	MetricMessageProcessed    = "MessageProcessed"
	MetricMessageRetried      = "MessageRetried"
	MetricMessageDeadLettered = "MessageDeadLettered"
	MetricMessageDropped      = "MessageDropped"
	MetricHandlerLatency      = "HandlerLatency"
	MetricQueueDepth          = "QueueDepth"
	MetricQueueConsumers      = "QueueConsumers"
	MetricDeliveryAttempt     = "DeliveryAttempt"
	MetricBrokerReconnect     = "BrokerReconnect"

	// Dimension Keys
	DimQueue     = "Queue"
	DimChannel   = "Channel"
	DimEventType = "EventType"
	DimResult    = "Result"
	DimBroker    = "Broker"

	// Metric Namespace
	MetricNamespace = "NotifyHub"
)
