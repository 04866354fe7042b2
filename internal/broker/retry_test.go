package broker

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/config"
	"notifyhub/internal/types"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(400))
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2})
	assert.Equal(t, testPolicy(), p)
}

func TestNextRetry_Progression(t *testing.T) {
	policy := testPolicy()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cause := errors.New("timeout")

	var meta types.RetryMetadata
	for i := 1; i <= 3; i++ {
		d := NextRetry(meta, policy, start.Add(time.Duration(i)*time.Second), "notifications.main", cause, false)
		require.False(t, d.DeadLetter, "attempt %d", i)
		assert.Equal(t, i, d.Meta.RetryCount)
		assert.Equal(t, start.Add(time.Second).UnixMilli(), d.Meta.FirstFailureTime)
		assert.Equal(t, policy.Delay(i), d.Delay)
		meta = d.Meta
	}

	d := NextRetry(meta, policy, start.Add(10*time.Second), "notifications.main", cause, false)
	assert.True(t, d.DeadLetter)
	assert.Equal(t, 4, d.Meta.RetryCount)
	assert.Equal(t, "timeout", d.Meta.FinalError)
	assert.Zero(t, d.Delay)
	assert.Equal(t, "notifications.main", d.Meta.OriginalQueue)
}

func TestNextRetry_LastFailureAlwaysAdvances(t *testing.T) {
	meta := types.RetryMetadata{RetryCount: 1, FirstFailureTime: 1000, LastFailureTime: 5000}

	d := NextRetry(meta, testPolicy(), time.UnixMilli(4000), "q", errors.New("x"), false)

	assert.Equal(t, int64(1000), d.Meta.FirstFailureTime)
	assert.Equal(t, int64(5001), d.Meta.LastFailureTime)
}

func TestNextRetry_KeepsOriginalQueue(t *testing.T) {
	meta := types.RetryMetadata{RetryCount: 1, OriginalQueue: "legacy.queue"}
	d := NextRetry(meta, testPolicy(), time.Now(), "notifications.main", errors.New("x"), false)
	assert.Equal(t, "legacy.queue", d.Meta.OriginalQueue)
}

func TestNextRetry_PermanentWalksLadder(t *testing.T) {
	policy := testPolicy()
	var meta types.RetryMetadata
	for i := 1; i <= policy.MaxRetries; i++ {
		d := NextRetry(meta, policy, time.UnixMilli(int64(i)*1000), "q", errors.New("bad payload"), true)
		require.False(t, d.DeadLetter, "attempt %d", i)
		meta = d.Meta
	}
	d := NextRetry(meta, policy, time.UnixMilli(10_000), "q", errors.New("bad payload"), true)
	assert.True(t, d.DeadLetter)
	assert.Equal(t, policy.MaxRetries+1, d.Meta.RetryCount)
	assert.Equal(t, "bad payload", d.Meta.FinalError)
}

func TestNextRetry_DeadLetterPermanentShortCircuits(t *testing.T) {
	policy := testPolicy()
	policy.DeadLetterPermanent = true

	d := NextRetry(types.RetryMetadata{}, policy, time.Now(), "q", errors.New("bad payload"), true)
	assert.True(t, d.DeadLetter)
	assert.Equal(t, 1, d.Meta.RetryCount)

	d = NextRetry(types.RetryMetadata{}, policy, time.Now(), "q", errors.New("timeout"), false)
	assert.False(t, d.DeadLetter)
}

func TestNextRetry_ZeroRetries(t *testing.T) {
	noRetries := testPolicy()
	noRetries.MaxRetries = 0
	d = NextRetry(types.RetryMetadata{}, noRetries, time.Now(), "q", nil, false)
	assert.True(t, d.DeadLetter)
	assert.Equal(t, "unknown error", d.Meta.FinalError)
}

func TestReconnectDelay(t *testing.T) {
	var got []time.Duration
	for attempt := 0; attempt < 7; attempt++ {
		got = append(got, ReconnectDelay(attempt, time.Second, 30*time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	assert.Equal(t, 30*time.Second, ReconnectDelay(80, time.Second, 30*time.Second))
	assert.Equal(t, time.Minute, ReconnectDelay(40, time.Hour, time.Minute))
	assert.Equal(t, time.Second, ReconnectDelay(-3, time.Second, 30*time.Second))
}

func TestDecodeRetryMetadata_NormalizesNumbers(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"int32", int32(2), 2},
		{"int64", int64(3), 3},
		{"float from JSON", float64(4), 4},
		{"decimal string", "5", 5},
		{"float string", "6.0", 6},
		{"bytes", []byte("7"), 7},
		{"negative", int64(-1), 0},
		{"garbage", "many", 0},
		{"unsupported", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := decodeTableRetry(amqp.Table{types.HeaderRetryCount: tt.value})
			assert.Equal(t, tt.want, meta.RetryCount)
		})
	}
}

func TestDecodeRetryMetadata_MissingHeaders(t *testing.T) {
	assert.Equal(t, types.RetryMetadata{}, decodeTableRetry(nil))
}

func TestRetryTable_RoundTrip(t *testing.T) {
	meta := types.RetryMetadata{
		RetryCount:       2,
		FirstFailureTime: 1700000000000,
		LastFailureTime:  1700000005000,
		OriginalQueue:    "notifications.main",
	}

	table := retryTable(meta, 2*time.Second)

	assert.Equal(t, int64(2000), table[types.HeaderRetryDelayMs])
	assert.NotContains(t, table, types.HeaderFinalError)
	assert.Equal(t, meta, decodeTableRetry(table))
}
