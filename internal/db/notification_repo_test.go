package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/types"
)

func newNotificationRepo() (*NotificationRepository, *mockDBTX, *passthroughTx) {
	db := new(mockDBTX)
	tx := &passthroughTx{db: db}
	return NewNotificationRepository(db, tx), db, tx
}

func TestNotificationRepository_Create(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "INSERT INTO notifications")
	}), mock.MatchedBy(func(args []any) bool {
		tplID, _ := args[10].(*string)
		return len(args) == 11 && args[8] == "pending" && tplID == nil
	})).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*time.Time) = created
		*dest[1].(*time.Time) = created
		return nil
	}})

	n := &types.NotificationRecord{
		EventType:      types.EventOrderPlaced,
		UserID:         "user-1",
		RecipientEmail: "user@example.com",
		Message:        "body",
		Channel:        types.ChannelEmail,
	}
	require.NoError(t, repo.Create(context.Background(), n))

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, types.NotificationPending, n.Status)
	assert.Equal(t, 0, n.Attempts)
	assert.Equal(t, created, n.CreatedAt)
	db.AssertExpectations(t)
}

func TestNotificationRepository_Create_DBError(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	err := repo.Create(context.Background(), &types.NotificationRecord{EventType: types.EventOrderPlaced})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestNotificationRepository_GetByID(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"n-1"}).
		Return(&mockRow{scanFn: notificationScan("n-1", "sent", 1)})

	n, err := repo.GetByID(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, types.NotificationSent, n.Status)
	assert.Equal(t, "user@example.com", n.RecipientEmail)
	assert.Empty(t, n.Subject)
	assert.JSONEq(t, `{"eventType":"order.placed"}`, string(n.RawEventData))
}

func TestNotificationRepository_GetByID_NotFound(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundNotification))
}

func TestNotificationRepository_List(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	rows := newMockRows(notificationScan("n-2", "failed", 1), notificationScan("n-1", "sent", 1))

	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "user_id = $1 AND status = $2") &&
			assert.Contains(t, sql, "LIMIT $3")
	}), []any{"user-1", "failed", 50}).Return(rows, nil)

	out, err := repo.List(context.Background(), types.NotificationFilter{
		UserID: "user-1",
		Status: types.NotificationFailed,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "n-2", out[0].ID)
	assert.True(t, rows.closed)
}

func TestNotificationRepository_UpdateStatus_Sent(t *testing.T) {
	repo, db, tx := newNotificationRepo()

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "FOR UPDATE")
	}), []any{"n-1"}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "pending"
		return nil
	}})
	db.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		sentAt, _ := args[2].(*time.Time)
		failedAt, _ := args[3].(*time.Time)
		return args[0] == "sent" && sentAt != nil && failedAt == nil && args[5] == "n-1"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.UpdateStatus(context.Background(), "n-1", types.NotificationSent, ""))
	assert.Equal(t, 1, tx.calls)
	db.AssertExpectations(t)
}

func TestNotificationRepository_UpdateStatus_FailedStoresError(t *testing.T) {
	repo, db, _ := newNotificationRepo()

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "pending"
		return nil
	}})
	db.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		msg, _ := args[1].(*string)
		failedAt, _ := args[3].(*time.Time)
		return args[0] == "failed" && msg != nil && *msg == "smtp: 421" && failedAt != nil
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.UpdateStatus(context.Background(), "n-1", types.NotificationFailed, "smtp: 421"))
	db.AssertExpectations(t)
}

func TestNotificationRepository_UpdateStatus_NotFound(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	err := repo.UpdateStatus(context.Background(), "missing", types.NotificationSent, "")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundNotification))
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotificationRepository_UpdateStatus_TerminalConflict(t *testing.T) {
	repo, db, _ := newNotificationRepo()
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "sent"
		return nil
	}})

	err := repo.UpdateStatus(context.Background(), "n-1", types.NotificationFailed, "late failure")
	assert.True(t, types.IsCode(err, types.ErrCodeConflictTerminal))
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotificationRepository_UpdateStatus_FailedIsTerminal(t *testing.T) {
	for _, next := range []types.NotificationStatus{types.NotificationSent, types.NotificationRetry} {
		t.Run(string(next), func(t *testing.T) {
			repo, db, _ := newNotificationRepo()
			db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanFn: func(dest ...any) error {
				*dest[0].(*string) = "failed"
				return nil
			}})

			err := repo.UpdateStatus(context.Background(), "n-2", next, "")
			assert.True(t, types.IsCode(err, types.ErrCodeConflictTerminal))
			db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
