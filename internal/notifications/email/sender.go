package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"

	"notifyhub/internal/config"
	"notifyhub/internal/types"
)

// Sender transmits one rendered email and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}

// New builds the sender selected by cfg.Provider, wrapped in a circuit
// breaker. awsCfg is only used by the ses provider.
func New(cfg config.EmailConfig, awsCfg aws.Config, logger types.Logger) (Sender, error) {
	var inner Sender
	switch cfg.Provider {
	case "smtp":
		inner = NewSMTPSender(SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password.Unmask(),
			Encryption: cfg.SMTP.Encryption,
			Timeout:    cfg.Timeout,
		})
	case "ses":
		inner = NewSESSender(awsCfg, SESConfig{ConfigSetName: cfg.SESConfigurationSet, Logger: logger})
	case "stub":
		inner = NewStubSender(logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	return NewBreakerSender(inner, "email-"+cfg.Provider, logger), nil
}
