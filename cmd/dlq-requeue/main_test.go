package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/broker"
	"notifyhub/internal/types"
)

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 0, opts.limit)
	assert.False(t, opts.stats)
	assert.Equal(t, 5*time.Minute, opts.timeout)
}

func TestParseFlags_Values(t *testing.T) {
	opts, err := parseFlags([]string{"-limit", "25", "-stats", "-timeout", "30s"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 25, opts.limit)
	assert.True(t, opts.stats)
	assert.Equal(t, 30*time.Second, opts.timeout)
}

func TestParseFlags_Rejects(t *testing.T) {
	_, err := parseFlags([]string{"-limit", "-1"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = parseFlags([]string{"-timeout", "0s"}, &bytes.Buffer{})
	assert.Error(t, err)

	var stderr bytes.Buffer
	_, err = parseFlags([]string{"-h"}, &stderr)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, stderr.String(), "Usage: dlq-requeue")
}

type statsBroker struct {
	broker.MessageBroker
	stats *broker.Stats
	err   error
}

func (s statsBroker) GetStats(context.Context) (*broker.Stats, error) { return s.stats, s.err }

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	b := statsBroker{stats: &broker.Stats{
		Broker: types.BrokerRabbitMQ,
		Queues: []broker.QueueStats{
			{Name: "notifications.main", Messages: 3, Consumers: 2},
			{Name: "notifications.dlq", Messages: 7},
		},
	}}

	require.NoError(t, printStats(context.Background(), b, &out))
	assert.Contains(t, out.String(), "notifications.main")
	assert.Contains(t, out.String(), "messages=3 consumers=2")
	assert.Contains(t, out.String(), "messages=7 consumers=0")
}

func TestPrintStats_Error(t *testing.T) {
	b := statsBroker{err: errors.New("channel closed")}
	err := printStats(context.Background(), b, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading queue stats")
}
