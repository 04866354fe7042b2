package email

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifyhub/internal/types"
)

// BreakerSender stops calling a failing provider for a cool-down period.
// Rejected recipients do not count as provider failures.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker[string]
}

func NewBreakerSender(next Sender, name string, logger types.Logger) *BreakerSender {
	return newBreakerSender(next, gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("email circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

func newBreakerSender(next Sender, st gobreaker.Settings) *BreakerSender {
	return &BreakerSender{next: next, breaker: gobreaker.NewCircuitBreaker[string](st)}
}

func (b *BreakerSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	id, err := b.breaker.Execute(func() (string, error) {
		return b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "email provider circuit open", err)
	}
	return id, err
}
