package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"notifyhub/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESConfig struct {
	// ConfigSetName enables SES event publishing when set.
	ConfigSetName string
	Logger        types.Logger
}

// SESSender sends simple (non-templated) email through SES v2. The SDK
// retries throttling internally, so no extra retry layer is added here.
type SESSender struct {
	api           SESAPI
	configSetName string
	logger        types.Logger
}

func NewSESSender(awsCfg aws.Config, cfg SESConfig) *SESSender {
	return NewSESSenderWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

func NewSESSenderWithAPI(api SESAPI, cfg SESConfig) *SESSender {
	return &SESSender{api: api, configSetName: cfg.ConfigSetName, logger: cfg.Logger}
}

// SES tag values are limited to this character set.
var sesTagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-.@]`)

// Send maps SES failures as follows:
//   - MessageRejected: ErrCodeEmailBlocked
//   - TooManyRequestsException: ErrCodeUpstreamRateLimited
//   - SendingPausedException: ErrCodeUpstreamUnavailable
//   - anything else: ErrCodeUpstreamEmailProvider
func (s *SESSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	if msg.To == "" {
		return "", types.NewAppError(types.ErrCodeMissingRecipient, "email has no recipient", nil)
	}

	from := msg.From.Address
	if msg.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", msg.From.Name, msg.From.Address)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{msg.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(msg.BodyText), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}
	if msg.ReferenceID != "" {
		input.EmailTags = append(input.EmailTags, sestypes.MessageTag{
			Name:  aws.String("NotificationID"),
			Value: aws.String(sesTagUnsafe.ReplaceAllString(msg.ReferenceID, "_")),
		})
	}
	if msg.EventType != "" {
		input.EmailTags = append(input.EmailTags, sestypes.MessageTag{
			Name:  aws.String("EventType"),
			Value: aws.String(sesTagUnsafe.ReplaceAllString(string(msg.EventType), "_")),
		})
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		mapped := mapSESError(err)
		if s.logger != nil {
			s.logger.Warn("SES send failed",
				"to", RedactEmail(msg.To),
				"code", string(types.CodeOf(mapped)),
				"error", err.Error(),
			)
		}
		return "", mapped
	}
	return aws.ToString(out.MessageId), nil
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, "SES rejected message", err)
	}
	var throttled *sestypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SES rate limit exceeded", err)
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES account sending paused", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SES error", err)
}
