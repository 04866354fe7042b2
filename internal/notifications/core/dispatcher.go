package core

import (
	"context"

	"notifyhub/internal/broker"
	"notifyhub/internal/notifications/email"
	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

// Dispatcher is the broker handler for every event type: compose, send by
// email and record the outcome.
type Dispatcher struct {
	composer NotificationComposer
	sender   email.Sender
	from     types.SenderIdentity
	metrics  telemetry.Metrics
	clock    types.Clock
	logger   types.Logger
}

func NewDispatcher(composer NotificationComposer, sender email.Sender, from types.SenderIdentity, metrics telemetry.Metrics, logger types.Logger) *Dispatcher {
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Dispatcher{
		composer: composer,
		sender:   sender,
		from:     from,
		metrics:  metrics,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

var _ broker.EventHandler = (*Dispatcher)(nil).Handle

// Handle processes one event. Every composed record ends up sent or failed.
// A send failure is returned so the broker retries; a missing or blocked
// recipient is returned wrapped with broker.Permanent.
func (d *Dispatcher) Handle(ctx context.Context, event types.Event, correlationID string) error {
	logger := loggerFrom(ctx, d.logger).With("correlation_id", correlationID)
	start := d.clock.Now()

	rec, err := d.composer.Compose(ctx, event, types.ChannelEmail)
	if err != nil {
		return err
	}
	logger = logger.With("notification_id", rec.ID)

	if rec.RecipientEmail == "" {
		const reason = "event has no recipient email address"
		d.markFailed(ctx, rec.ID, reason, logger)
		d.metrics.RecordDelivery(ctx, types.ChannelEmail, telemetry.DeliveryFailure)
		return broker.Permanent(types.NewAppError(types.ErrCodeMissingRecipient, reason, nil))
	}

	providerID, err := d.sender.Send(ctx, types.EmailMessage{
		To:          rec.RecipientEmail,
		From:        d.from,
		Subject:     rec.Subject,
		BodyText:    rec.Message,
		EventType:   event.EventType,
		ReferenceID: rec.ID,
		Data:        event.Data,
	})
	if err != nil {
		d.markFailed(ctx, rec.ID, err.Error(), logger)
		if email.IsBlocklistError(err) {
			d.metrics.RecordDelivery(ctx, types.ChannelEmail, telemetry.DeliveryBlocked)
			logger.Warn("recipient blocked", "to", email.RedactEmail(rec.RecipientEmail), "error", err.Error())
			return broker.Permanent(err)
		}
		d.metrics.RecordDelivery(ctx, types.ChannelEmail, telemetry.DeliveryFailure)
		return types.NewAppError(types.ErrCodeHandlerFailure, "email delivery failed", err)
	}

	if err := d.composer.UpdateStatus(ctx, rec.ID, types.NotificationSent, ""); err != nil {
		logger.Error("email sent but status update failed", "provider_message_id", providerID, "error", err.Error())
		return err
	}
	d.metrics.RecordDelivery(ctx, types.ChannelEmail, telemetry.DeliverySuccess)
	logger.Info("notification sent",
		"to", email.RedactEmail(rec.RecipientEmail),
		"provider_message_id", providerID,
		"duration_ms", d.clock.Now().Sub(start).Milliseconds(),
	)
	return nil
}

// markFailed records the failure. An error here is logged only; the
// delivery error is what the broker needs to see.
func (d *Dispatcher) markFailed(ctx context.Context, id, reason string, logger types.Logger) {
	if err := d.composer.UpdateStatus(ctx, id, types.NotificationFailed, reason); err != nil {
		logger.Error("failed to mark notification failed", "error", err.Error())
	}
}

