package types

import "strings"

// EventType identifies the kind of domain event carried by a broker message.
// The set is closed: anything outside KnownEventTypes is rejected at the
// dispatch boundary.
type EventType string

const (
	EventOrderPlaced    EventType = "order.placed"
	EventOrderConfirmed EventType = "order.confirmed"
	EventOrderShipped   EventType = "order.shipped"
	EventOrderDelivered EventType = "order.delivered"
	EventOrderCancelled EventType = "order.cancelled"

	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"

	EventProfileUpdated      EventType = "profile.updated"
	EventProfileEmailChanged EventType = "profile.email_changed"

	EventAuthUserRegistered EventType = "auth.user_registered"
	EventAuthPasswordReset  EventType = "auth.password_reset"
	EventAuthLoginAlert     EventType = "auth.login_alert"
)

// KnownEventTypes lists every event type the dispatcher understands, in a
// stable order used for handler registration.
var KnownEventTypes = []EventType{
	EventOrderPlaced,
	EventOrderConfirmed,
	EventOrderShipped,
	EventOrderDelivered,
	EventOrderCancelled,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventProfileUpdated,
	EventProfileEmailChanged,
	EventAuthUserRegistered,
	EventAuthPasswordReset,
	EventAuthLoginAlert,
}

var knownEventTypes = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(KnownEventTypes))
	for _, et := range KnownEventTypes {
		m[et] = struct{}{}
	}
	return m
}()

// IsKnown reports whether the event type belongs to the closed set.
func (e EventType) IsKnown() bool {
	_, ok := knownEventTypes[e]
	return ok
}

// Domain returns the prefix before the first dot ("order" for "order.placed").
func (e EventType) Domain() string {
	s := string(e)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// ChannelType identifies a notification delivery channel.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelPush    ChannelType = "push"
	ChannelWebhook ChannelType = "webhook"
)

// IsValid reports whether c is one of the supported channels.
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

// NotificationStatus is the lifecycle state of a NotificationRecord.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationRetry   NotificationStatus = "retry"
)

// IsTerminal reports whether no further status updates are accepted. A
// failed record stays failed; redelivery of the event creates a new record.
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationSent || s == NotificationFailed
}

// BrokerType selects the MessageBroker implementation.
type BrokerType string

const (
	BrokerRabbitMQ BrokerType = "rabbitmq"
	BrokerSQS      BrokerType = "sqs"
	BrokerKafka    BrokerType = "kafka"
)
