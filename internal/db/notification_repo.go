package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notifyhub/internal/types"
)

const notificationColumns = `notification_id, event_type, user_id, recipient_email, recipient_phone,
	subject, message, channel, status, attempts, sent_at, failed_at, error_message,
	raw_event_data, template_id, created_at, updated_at`

// NotificationRepository stores one row per notification attempt.
type NotificationRepository struct {
	db DBTX
	tx Transactor
}

// NewNotificationRepository returns a repository that reads and inserts via
// db and runs status transitions through tx.
func NewNotificationRepository(db DBTX, tx Transactor) *NotificationRepository {
	return &NotificationRepository{db: db, tx: tx}
}

// Create inserts n as a pending record. ID, status and timestamps are filled
// in on n.
func (r *NotificationRepository) Create(ctx context.Context, n *types.NotificationRecord) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = types.NotificationPending
	}
	raw := n.RawEventData
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (notification_id, event_type, user_id, recipient_email, recipient_phone,
		  subject, message, channel, status, attempts, raw_event_data, template_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)
		 RETURNING created_at, updated_at`,
		n.ID,
		string(n.EventType),
		n.UserID,
		nilIfEmpty(n.RecipientEmail),
		nilIfEmpty(n.RecipientPhone),
		nilIfEmpty(n.Subject),
		n.Message,
		string(n.Channel),
		string(n.Status),
		raw,
		nilIfEmpty(n.TemplateID),
	)
	if err := row.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	n.Attempts = 0
	return nil
}

// GetByID returns the record or ErrCodeNotFoundNotification.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.NotificationRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return n, nil
}

// List returns records matching filter, newest first.
func (r *NotificationRepository) List(ctx context.Context, filter types.NotificationFilter) ([]*types.NotificationRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var out []*types.NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return out, nil
}

// UpdateStatus moves a record to status. The row is locked for the read and
// write, attempts is incremented, and sent_at or failed_at is stamped. A
// record that is already sent or failed cannot change.
func (r *NotificationRepository) UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error {
	return r.tx.RunInTx(ctx, func(ctx context.Context, tx DBTX) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM notifications WHERE notification_id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", err)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to lock notification", err)
		}
		if types.NotificationStatus(current).IsTerminal() {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictTerminal,
				"notification already in terminal status", nil,
				map[string]any{"notification_id": id, "status": current, "requested": string(status)})
		}

		now := time.Now().UTC()
		var sentAt, failedAt *time.Time
		switch status {
		case types.NotificationSent:
			sentAt = &now
		case types.NotificationFailed:
			failedAt = &now
		}

		_, err = tx.Exec(ctx,
			`UPDATE notifications SET
				status = $1,
				attempts = attempts + 1,
				error_message = COALESCE($2, error_message),
				sent_at = COALESCE($3, sent_at),
				failed_at = COALESCE($4, failed_at),
				updated_at = $5
			 WHERE notification_id = $6`,
			string(status),
			nilIfEmpty(errorMessage),
			sentAt,
			failedAt,
			now,
			id,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification status", err)
		}
		return nil
	})
}

func scanNotification(row pgx.Row) (*types.NotificationRecord, error) {
	var (
		n                                    types.NotificationRecord
		eventType, channel, status           string
		email, phone, subject, errMsg, tplID *string
		raw                                  []byte
	)
	err := row.Scan(
		&n.ID, &eventType, &n.UserID, &email, &phone,
		&subject, &n.Message, &channel, &status, &n.Attempts, &n.SentAt, &n.FailedAt, &errMsg,
		&raw, &tplID, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.EventType = types.EventType(eventType)
	n.Channel = types.ChannelType(channel)
	n.Status = types.NotificationStatus(status)
	n.RecipientEmail = derefString(email)
	n.RecipientPhone = derefString(phone)
	n.Subject = derefString(subject)
	n.ErrorMessage = derefString(errMsg)
	n.TemplateID = derefString(tplID)
	n.RawEventData = raw
	return &n, nil
}
