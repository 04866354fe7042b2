// Package email delivers rendered notifications over SMTP or AWS SES. Every
// sender satisfies Sender; provider failures are mapped onto types.AppError
// codes so that callers can tell a blocked recipient from an outage.
package email

import (
	"errors"

	"notifyhub/internal/types"
)

// ErrRecipientBlocked marks a recipient the provider refuses to deliver to.
var ErrRecipientBlocked = errors.New("recipient blocked by provider")

// IsBlocklistError reports whether err means the recipient itself was
// rejected. Retrying such a send cannot succeed.
func IsBlocklistError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRecipientBlocked) || types.IsCode(err, types.ErrCodeEmailBlocked)
}

// IsTransient reports whether a later attempt may succeed.
func IsTransient(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamRateLimited, types.ErrCodeUpstreamUnavailable, types.ErrCodeUpstreamEmailProvider:
		return true
	case types.ErrCodeEmailBlocked, types.ErrCodeMissingRecipient:
		return false
	}
	return err != nil && !errors.Is(err, ErrRecipientBlocked)
}
