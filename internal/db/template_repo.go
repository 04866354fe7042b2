package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notifyhub/internal/types"
)

const templateColumns = `id, event_type, channel, template_name, subject, body_template,
	is_active, created_at, updated_at`

var validate = validator.New()

// TemplateRepository reads and manages notification_templates.
type TemplateRepository struct {
	db DBTX
}

func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create validates t and inserts it as an active template.
func (r *TemplateRepository) Create(ctx context.Context, t *types.NotificationTemplate) error {
	if err := validate.Struct(t); err != nil {
		return types.NewAppError(types.ErrCodeInvalidTemplate, "invalid template", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO notification_templates
		 (id, event_type, channel, template_name, subject, body_template, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		 RETURNING created_at, updated_at`,
		t.ID,
		string(t.EventType),
		string(t.Channel),
		t.TemplateName,
		nilIfEmpty(t.Subject),
		t.BodyTemplate,
	)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create template", err)
	}
	t.IsActive = true
	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*types.NotificationTemplate, error) {
	row := r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM notification_templates WHERE id = $1`, id)
	return r.scanOne(row, id)
}

// GetActive returns the most recently created active template for the pair,
// or ErrCodeNotFoundTemplate.
func (r *TemplateRepository) GetActive(ctx context.Context, eventType types.EventType, channel types.ChannelType) (*types.NotificationTemplate, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM notification_templates
		 WHERE event_type = $1 AND channel = $2 AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		string(eventType), string(channel))
	return r.scanOne(row, fmt.Sprintf("%s/%s", eventType, channel))
}

// List returns templates for eventType (all when empty), newest first.
func (r *TemplateRepository) List(ctx context.Context, eventType types.EventType, activeOnly bool) ([]*types.NotificationTemplate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+templateColumns+` FROM notification_templates
		 WHERE ($1 = '' OR event_type = $1) AND (NOT $2 OR is_active)
		 ORDER BY created_at DESC`,
		string(eventType), activeOnly)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list templates", err)
	}
	defer rows.Close()

	var out []*types.NotificationTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan template row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating template rows", err)
	}
	return out, nil
}

// Deactivate soft-deletes a template.
func (r *TemplateRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_templates SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate template", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", nil)
	}
	return nil
}

func (r *TemplateRepository) scanOne(row pgx.Row, key string) (*types.NotificationTemplate, error) {
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundTemplate, "template not found", err,
				map[string]any{"key": key})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get template", err)
	}
	return t, nil
}

func scanTemplate(row pgx.Row) (*types.NotificationTemplate, error) {
	var (
		t                  types.NotificationTemplate
		eventType, channel string
		subject            *string
	)
	if err := row.Scan(&t.ID, &eventType, &channel, &t.TemplateName, &subject, &t.BodyTemplate,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.EventType = types.EventType(eventType)
	t.Channel = types.ChannelType(channel)
	t.Subject = derefString(subject)
	return &t, nil
}
