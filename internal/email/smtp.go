package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ayedb/ayb/internal/types"
)

// SMTPOptions configures the SMTP backend.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type smtpBackend struct {
	opts SMTPOptions
	log  *slog.Logger

	// sendMail is swapped out in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP builds an SMTP backend. Delivery retries transient failures
// with exponential backoff before giving up.
func NewSMTP(opts SMTPOptions, log *slog.Logger) (Backend, error) {
	if opts.Host == "" || opts.From == "" {
		return nil, types.Errorf(types.KindConfigurationError, "email.smtp requires host and from")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	return &smtpBackend{opts: opts, log: log, sendMail: smtp.SendMail}, nil
}

func (s *smtpBackend) Send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	var auth smtp.Auth
	if s.opts.Username != "" {
		auth = smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
	}
	msg := formatMessage(s.opts.From, to, subject, body)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := s.sendMail(addr, auth, s.opts.From, []string{to}, msg); err != nil {
			s.log.Warn("smtp delivery failed", "to", to, "attempt", attempt, "error", err)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return types.Errorf(types.KindOther, "sending email to %s: %v", to, err)
	}
	s.log.Info("email sent", "to", to, "subject", subject)
	return nil
}

// retryable reports whether a delivery error is worth another attempt.
// Network-level failures are; protocol rejections from the server are not.
func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
