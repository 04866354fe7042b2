package types

import (
	"encoding/json"
	"time"
)

// Event is the canonical inbound domain event. Every accepted wire shape is
// decoded into this struct before a handler sees it.
type Event struct {
	EventType EventType      `json:"eventType"`
	UserID    string         `json:"userId"`
	UserEmail string         `json:"userEmail,omitempty"`
	UserPhone string         `json:"userPhone,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Raw returns the JSON form of the event stored on the notification record.
func (e Event) Raw() json.RawMessage {
	b, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// NotificationTemplate is a message template keyed by (EventType, Channel).
// Templates are managed elsewhere; the dispatcher only reads them.
type NotificationTemplate struct {
	ID           string      `json:"id" db:"id"`
	EventType    EventType   `json:"event_type" db:"event_type" validate:"required"`
	Channel      ChannelType `json:"channel" db:"channel" validate:"required,oneof=email sms push webhook"`
	TemplateName string      `json:"template_name" db:"template_name" validate:"required,max=100"`
	Subject      string      `json:"subject,omitempty" db:"subject"`
	BodyTemplate string      `json:"body_template" db:"body_template" validate:"required"`
	IsActive     bool        `json:"is_active" db:"is_active"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// NotificationRecord tracks one notification from rendering to its delivery
// outcome. A new record is created for every processing attempt of an event.
type NotificationRecord struct {
	ID             string             `json:"id" db:"notification_id"`
	EventType      EventType          `json:"event_type" db:"event_type"`
	UserID         string             `json:"user_id" db:"user_id"`
	RecipientEmail string             `json:"recipient_email,omitempty" db:"recipient_email"`
	RecipientPhone string             `json:"recipient_phone,omitempty" db:"recipient_phone"`
	Subject        string             `json:"subject,omitempty" db:"subject"`
	Message        string             `json:"message" db:"message"`
	Channel        ChannelType        `json:"channel" db:"channel"`
	Status         NotificationStatus `json:"status" db:"status"`
	Attempts       int                `json:"attempts" db:"attempts"`
	SentAt         *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	FailedAt       *time.Time         `json:"failed_at,omitempty" db:"failed_at"`
	ErrorMessage   string             `json:"error_message,omitempty" db:"error_message"`
	RawEventData   json.RawMessage    `json:"raw_event_data" db:"raw_event_data"`
	TemplateID     string             `json:"template_id,omitempty" db:"template_id"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" db:"updated_at"`
}

// NotificationFilter narrows NotificationRepository.List results.
type NotificationFilter struct {
	UserID    string
	EventType EventType
	Status    NotificationStatus
	Limit     int
}

// SenderIdentity is the From header of outgoing email.
type SenderIdentity struct {
	Name    string
	Address string
}

// EmailMessage is a fully rendered email handed to an email sender.
type EmailMessage struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyText    string
	EventType   EventType
	ReferenceID string // notification record id, used for provider tagging
	Data        map[string]any
}
