package types

import "time"

// Header names carried on broker messages. The same names are used for AMQP
// headers and SQS message attributes.
const (
	HeaderRetryCount       = "retryCount"
	HeaderFirstFailureTime = "firstFailureTime"
	HeaderLastFailureTime  = "lastFailureTime"
	HeaderOriginalQueue    = "originalQueue"
	HeaderFinalError       = "finalError"
	HeaderRetryDelayMs     = "retryDelayMs"
	HeaderCorrelationID    = "correlationId"
	HeaderMessageID        = "messageId"
)

// RetryMetadata is the retry history of a message, decoded once from
// transport headers at the dispatch boundary. Times are epoch milliseconds;
// zero means "not set".
type RetryMetadata struct {
	RetryCount       int
	FirstFailureTime int64
	LastFailureTime  int64
	OriginalQueue    string
	FinalError       string
}

// FirstFailure returns FirstFailureTime as a time, or the zero time.
func (m RetryMetadata) FirstFailure() time.Time {
	if m.FirstFailureTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.FirstFailureTime).UTC()
}

// LastFailure returns LastFailureTime as a time, or the zero time.
func (m RetryMetadata) LastFailure() time.Time {
	if m.LastFailureTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.LastFailureTime).UTC()
}

// MessageEnvelope is the transport-neutral unit delivered by a broker. The
// broker owns it until the message is acked or nacked.
type MessageEnvelope struct {
	Body          []byte
	CorrelationID string
	MessageID     string
	RoutingKey    string
	Retry         RetryMetadata
}
