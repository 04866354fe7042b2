package email

import (
	"context"

	"github.com/google/uuid"

	"notifyhub/internal/types"
)

// StubSender logs instead of sending. Local development and load tests use
// it via EMAIL_PROVIDER=stub.
type StubSender struct {
	logger types.Logger
}

func NewStubSender(logger types.Logger) *StubSender {
	return &StubSender{logger: logger}
}

func (s *StubSender) Send(_ context.Context, msg types.EmailMessage) (string, error) {
	if msg.To == "" {
		return "", types.NewAppError(types.ErrCodeMissingRecipient, "email has no recipient", nil)
	}
	id := "stub-" + uuid.NewString()
	s.logger.Info("stub email sent",
		"message_id", id,
		"to", RedactEmail(msg.To),
		"subject", msg.Subject,
		"event_type", string(msg.EventType),
		"notification_id", msg.ReferenceID,
	)
	return id, nil
}
