package core

import (
	"context"

	"github.com/stretchr/testify/mock"

	"notifyhub/internal/types"
)

// --- Mock TemplateStore ---

type mockTemplateStore struct {
	mock.Mock
}

func (m *mockTemplateStore) GetActive(ctx context.Context, eventType types.EventType, channel types.ChannelType) (*types.NotificationTemplate, error) {
	args := m.Called(ctx, eventType, channel)
	if t := args.Get(0); t != nil {
		return t.(*types.NotificationTemplate), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Mock NotificationStore ---

type mockNotificationStore struct {
	mock.Mock
}

func (m *mockNotificationStore) Create(ctx context.Context, n *types.NotificationRecord) error {
	args := m.Called(ctx, n)
	if args.Error(0) == nil {
		n.ID = "notif-1"
		n.Status = types.NotificationPending
	}
	return args.Error(0)
}

func (m *mockNotificationStore) UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error {
	args := m.Called(ctx, id, status, errorMessage)
	return args.Error(0)
}

// --- Mock NotificationComposer ---

type mockComposer struct {
	mock.Mock
}

func (m *mockComposer) Compose(ctx context.Context, event types.Event, channel types.ChannelType) (*types.NotificationRecord, error) {
	args := m.Called(ctx, event, channel)
	if r := args.Get(0); r != nil {
		return r.(*types.NotificationRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockComposer) UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, errorMessage string) error {
	args := m.Called(ctx, id, status, errorMessage)
	return args.Error(0)
}

// --- Mock email.Sender ---

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}
