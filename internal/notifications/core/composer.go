// Package core turns domain events into delivered notifications: it renders
// content from the active template, keeps a NotificationRecord per attempt
// and drives the email send that decides the record's final status.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"notifyhub/internal/notifications/render"
	"notifyhub/internal/types"
)

// TemplateStore is the read side of the template repository.
type TemplateStore interface {
	// GetActive returns the newest active template or an
	// ErrCodeNotFoundTemplate error.
	GetActive(ctx context.Context, eventType types.EventType, channel types.ChannelType) (*types.NotificationTemplate, error)
}

// NotificationStore persists notification records.
type NotificationStore interface {
	Create(ctx context.Context, n *types.NotificationRecord) error
	UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error
}

// NotificationComposer renders and records notifications.
type NotificationComposer interface {
	Compose(ctx context.Context, event types.Event, channel types.ChannelType) (*types.NotificationRecord, error)
	UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error
}

var _ NotificationComposer = (*Composer)(nil)

// Composer is the production NotificationComposer.
type Composer struct {
	templates TemplateStore
	store     NotificationStore
	logger    types.Logger
}

func NewComposer(templates TemplateStore, store NotificationStore, logger types.Logger) *Composer {
	return &Composer{templates: templates, store: store, logger: logger}
}

// Compose renders event for channel and persists a pending record. Content
// is always produced: a missing template, a failed lookup or a broken
// template all fall back to a generic message. Only a persistence failure is
// returned, since a record that was never stored cannot be marked sent or
// failed later.
func (c *Composer) Compose(ctx context.Context, event types.Event, channel types.ChannelType) (*types.NotificationRecord, error) {
	logger := loggerFrom(ctx, c.logger)
	vars := Variables(event)

	var (
		content    render.Result
		templateID string
	)
	tmpl, err := c.templates.GetActive(ctx, event.EventType, channel)
	switch {
	case err == nil:
		content, err = render.Render(tmpl.Subject, tmpl.BodyTemplate, vars)
		if err != nil {
			logger.Warn("template render failed, using generic message",
				"template_id", tmpl.ID, "template_name", tmpl.TemplateName, "error", err.Error())
			content = GenericContent(event, vars)
		} else {
			templateID = tmpl.ID
		}
	case types.IsCode(err, types.ErrCodeNotFoundTemplate):
		logger.Info("no active template, using generic message", "channel", string(channel))
		content = GenericContent(event, vars)
	default:
		logger.Warn("template lookup failed, using generic message", "channel", string(channel), "error", err.Error())
		content = GenericContent(event, vars)
	}

	rec := &types.NotificationRecord{
		EventType:      event.EventType,
		UserID:         event.UserID,
		RecipientEmail: recipientEmail(event),
		RecipientPhone: event.UserPhone,
		Subject:        content.Subject,
		Message:        content.Message,
		Channel:        channel,
		RawEventData:   event.Raw(),
		TemplateID:     templateID,
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	logger.Info("notification composed",
		"notification_id", rec.ID,
		"channel", string(channel),
		"template_id", templateID,
	)
	return rec, nil
}

// UpdateStatus records a delivery outcome. It bumps the attempt counter and
// stamps sent_at or failed_at as appropriate.
func (c *Composer) UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error {
	if err := c.store.UpdateStatus(ctx, id, status, errorMessage); err != nil {
		return fmt.Errorf("update notification %s: %w", id, err)
	}
	loggerFrom(ctx, c.logger).Info("notification status updated", "notification_id", id, "status", string(status))
	return nil
}

func recipientEmail(event types.Event) string {
	if event.UserEmail != "" {
		return event.UserEmail
	}
	if s, ok := event.Data["email"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// GenericContent is the fallback when no usable template exists: the event
// type as a title and one line per variable, sorted by name.
func GenericContent(event types.Event, vars map[string]any) render.Result {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", HumanizeEventType(event.EventType))
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, render.Stringify(vars[k]))
	}
	return render.Result{
		Subject: HumanizeEventType(event.EventType),
		Message: strings.TrimRight(b.String(), "\n"),
	}
}

// HumanizeEventType turns "profile.email_changed" into "Profile Email Changed".
func HumanizeEventType(eventType types.EventType) string {
	words := strings.FieldsFunc(string(eventType), func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	if len(words) == 0 {
		return "Notification"
	}
	return strings.Join(words, " ")
}

func loggerFrom(ctx context.Context, fallback types.Logger) types.Logger {
	if l := types.LoggerFromContext(ctx); l != nil {
		return l
	}
	return fallback
}
