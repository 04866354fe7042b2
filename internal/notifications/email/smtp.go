package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"notifyhub/internal/types"
)

// SMTPConfig carries the resolved SMTP settings.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	// Encryption is one of none, starttls or ssl_tls.
	Encryption string
	Timeout    time.Duration
}

type mailClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSender delivers mail through an SMTP relay with go-mail. A client is
// created per send; relays in front of the service handle pooling.
type SMTPSender struct {
	cfg       SMTPConfig
	newClient func(host string, opts ...mail.Option) (mailClient, error)
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg: cfg,
		newClient: func(host string, opts ...mail.Option) (mailClient, error) {
			return mail.NewClient(host, opts...)
		},
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	m, messageID, err := buildMsg(msg)
	if err != nil {
		return "", err
	}

	c, err := s.newClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "failed to create SMTP client", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return "", mapSMTPError(err)
	}
	return messageID, nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(s.cfg.Encryption)),
	}
	if s.cfg.Encryption == "ssl_tls" {
		opts = append(opts, mail.WithSSL())
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.cfg.Timeout))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func buildMsg(msg types.EmailMessage) (*mail.Msg, string, error) {
	if msg.To == "" {
		return nil, "", types.NewAppError(types.ErrCodeMissingRecipient, "email has no recipient", nil)
	}

	m := mail.NewMsg()
	var err error
	if msg.From.Name != "" {
		err = m.FromFormat(msg.From.Name, msg.From.Address)
	} else {
		err = m.From(msg.From.Address)
	}
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalUnexpected, "invalid sender address", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("invalid recipient %s", RedactEmail(msg.To)), err)
	}

	messageID := uuid.NewString()
	m.SetGenHeader(mail.HeaderMessageID, "<"+messageID+"@notifyhub>")
	if msg.ReferenceID != "" {
		m.SetGenHeader(mail.Header("X-Notification-ID"), msg.ReferenceID)
	}
	if msg.EventType != "" {
		m.SetGenHeader(mail.Header("X-Event-Type"), string(msg.EventType))
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.BodyText)
	return m, messageID, nil
}

// mapSMTPError classifies relay failures. 5xx replies on RCPT are permanent
// for the recipient; everything else is treated as a provider outage.
func mapSMTPError(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.Reason == mail.ErrSMTPRcptTo && !sendErr.IsTemp() {
			return types.NewAppError(types.ErrCodeEmailBlocked, "SMTP relay rejected recipient", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SMTP relay timed out", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SMTP send failed", err)
}

func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
