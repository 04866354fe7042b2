package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/config"
	"notifyhub/internal/logging"
	"notifyhub/internal/types"
)

func TestNew_SelectsImplementation(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.RabbitMQ = testRabbitConfig()
	cfg.Retry = config.RetryConfig{MaxRetries: 3}
	deps := Deps{Logger: logging.Discard()}

	cfg.Broker.Type = types.BrokerRabbitMQ
	b, err := New(cfg, deps)
	require.NoError(t, err)
	assert.IsType(t, &RabbitMQBroker{}, b)

	cfg.Broker.Type = types.BrokerSQS
	_, err = New(cfg, deps)
	assert.True(t, types.IsCode(err, types.ErrCodeBrokerUnavailable))

	deps.SQS = newFakeSQS()
	b, err = New(cfg, deps)
	require.NoError(t, err)
	assert.IsType(t, &SQSBroker{}, b)

	cfg.Broker.Type = types.BrokerKafka
	_, err = New(cfg, deps)
	assert.True(t, types.IsCode(err, types.ErrCodeBrokerUnsupported))
}

func TestPermanent(t *testing.T) {
	base := errors.New("recipient rejected")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	wrapped := fmt.Errorf("send: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "send: recipient rejected", wrapped.Error())

	assert.True(t, IsPermanent(types.NewAppError(types.ErrCodeMalformedEvent, "bad", nil)))
}

func TestInvokeHandler_RecoversPanic(t *testing.T) {
	err := invokeHandler(context.Background(), func(context.Context, types.Event, string) error {
		panic("boom")
	}, types.Event{}, "corr")

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeHandlerFailure))
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, IsPermanent(err))
}
