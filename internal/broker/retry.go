package broker

import (
	"math"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/config"
	"notifyhub/internal/types"
)

// RetryPolicy bounds per-message retries.
type RetryPolicy struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	// DeadLetterPermanent short-circuits permanent failures to the DLQ.
	DeadLetterPermanent bool
}

func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:          cfg.MaxRetries,
		InitialDelay:        cfg.InitialDelay,
		MaxDelay:            cfg.MaxDelay,
		BackoffMultiplier:   cfg.BackoffMultiplier,
		DeadLetterPermanent: cfg.DeadLetterPermanent,
	}
}

// Delay returns min(initial * multiplier^(retryCount-1), max) for the
// retryCount-th retry (1-based).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(retryCount-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryDecision is the outcome of one failed attempt.
type RetryDecision struct {
	DeadLetter bool
	Meta       types.RetryMetadata
	// Delay is the computed backoff for the next attempt. Zero when dead
	// lettering.
	Delay      time.Duration
}

// NextRetry advances meta after a failure observed at now. The first
// failure time is kept from the first attempt and the last failure time
// always moves forward, even when the clock does not. A permanent failure
// walks the same ladder as any other unless policy.DeadLetterPermanent is set.
func NextRetry(meta types.RetryMetadata, policy RetryPolicy, now time.Time, queue string, cause error, permanent bool) RetryDecision {
	next := meta
	next.RetryCount = meta.RetryCount + 1

	nowMs := now.UnixMilli()
	if next.FirstFailureTime == 0 {
		next.FirstFailureTime = nowMs
	}
	if nowMs <= meta.LastFailureTime {
		nowMs = meta.LastFailureTime + 1
	}
	next.LastFailureTime = nowMs
	if next.OriginalQueue == "" {
		next.OriginalQueue = queue
	}

	if (permanent && policy.DeadLetterPermanent) || next.RetryCount > policy.MaxRetries {
		if cause != nil {
			next.FinalError = cause.Error()
		} else {
			next.FinalError = "unknown error"
		}
		return RetryDecision{DeadLetter: true, Meta: next}
	}
	next.FinalError = ""
	return RetryDecision{Meta: next, Delay: policy.Delay(next.RetryCount)}
}

// ReconnectDelay returns min(base * 2^attempt, max) for a zero-based attempt.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max || d>>uint(attempt) != base {
		return max
	}
	return d
}

// retryHeaderKeys are stripped when a dead letter is requeued.
var retryHeaderKeys = []string{
	types.HeaderRetryCount,
	types.HeaderFirstFailureTime,
	types.HeaderLastFailureTime,
	types.HeaderOriginalQueue,
	types.HeaderFinalError,
	types.HeaderRetryDelayMs,
}

// DecodeRetryMetadata reads retry history through get, which returns the raw
// header value for a key. Numbers may arrive as any integer width, float or
// decimal string depending on the producer.
func DecodeRetryMetadata(get func(key string) (any, bool)) types.RetryMetadata {
	var meta types.RetryMetadata
	if v, ok := get(types.HeaderRetryCount); ok {
		if n, ok := toInt64(v); ok && n > 0 {
			meta.RetryCount = int(n)
		}
	}
	if v, ok := get(types.HeaderFirstFailureTime); ok {
		meta.FirstFailureTime, _ = toInt64(v)
	}
	if v, ok := get(types.HeaderLastFailureTime); ok {
		meta.LastFailureTime, _ = toInt64(v)
	}
	if v, ok := get(types.HeaderOriginalQueue); ok {
		meta.OriginalQueue, _ = v.(string)
	}
	if v, ok := get(types.HeaderFinalError); ok {
		meta.FinalError, _ = v.(string)
	}
	return meta
}

func decodeTableRetry(headers amqp.Table) types.RetryMetadata {
	return DecodeRetryMetadata(func(key string) (any, bool) {
		v, ok := headers[key]
		return v, ok
	})
}

// retryTable encodes meta as AMQP headers. Integers are int64 so that
// they round-trip without loss.
func retryTable(meta types.RetryMetadata, delay time.Duration) amqp.Table {
	t := amqp.Table{
		types.HeaderRetryCount:       int64(meta.RetryCount),
		types.HeaderFirstFailureTime: meta.FirstFailureTime,
		types.HeaderLastFailureTime:  meta.LastFailureTime,
		types.HeaderOriginalQueue:    meta.OriginalQueue,
	}
	if meta.FinalError != "" {
		t[types.HeaderFinalError] = meta.FinalError
	}
	if delay > 0 {
		t[types.HeaderRetryDelayMs] = delay.Milliseconds()
	}
	return t
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
