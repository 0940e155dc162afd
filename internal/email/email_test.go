package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatMessage(t *testing.T) {
	msg := string(formatMessage("ayb@example.org", "adam@example.org", "Confirm", "hello"))
	require.Contains(t, msg, "From: ayb@example.org\r\n")
	require.Contains(t, msg, "To: adam@example.org\r\n")
	require.Contains(t, msg, "Subject: Confirm\r\n")
	require.True(t, strings.HasSuffix(msg, "hello\r\n"))
}

func TestFileBackendAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox", "mail.log")
	b, err := NewFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Send(ctx, "a@example.org", "first", "body one"))
	require.NoError(t, b.Send(ctx, "b@example.org", "second", "body two"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	parts := strings.Split(string(raw), MessageSeparator)
	require.Len(t, parts, 3, "leading separator plus two messages")
	require.Contains(t, parts[1], "To: a@example.org")
	require.Contains(t, parts[2], "To: b@example.org")
}

func TestFileBackendConcurrentSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	b, err := NewFile(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Send(context.Background(), "c@example.org", "s", "b"))
		}()
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 8, strings.Count(string(raw), MessageSeparator))
}

func TestFileBackendRequiresPath(t *testing.T) {
	_, err := NewFile("")
	require.Error(t, err)
}

func TestSMTPRequiresHostAndFrom(t *testing.T) {
	_, err := NewSMTP(SMTPOptions{Host: "smtp.example.org"}, discardLogger())
	require.Error(t, err)
	_, err = NewSMTP(SMTPOptions{From: "ayb@example.org"}, discardLogger())
	require.Error(t, err)
}

func TestSMTPRetriesTransientErrors(t *testing.T) {
	b, err := NewSMTP(SMTPOptions{Host: "smtp.example.org", From: "ayb@example.org"}, discardLogger())
	require.NoError(t, err)
	backend := b.(*smtpBackend)

	attempts := 0
	backend.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempts++
		if attempts < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return nil
	}

	require.NoError(t, backend.Send(context.Background(), "a@example.org", "s", "b"))
	require.Equal(t, 3, attempts)
}

func TestSMTPDoesNotRetryProtocolRejections(t *testing.T) {
	b, err := NewSMTP(SMTPOptions{Host: "smtp.example.org", From: "ayb@example.org"}, discardLogger())
	require.NoError(t, err)
	backend := b.(*smtpBackend)

	attempts := 0
	backend.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempts++
		return errors.New("550 mailbox unavailable")
	}

	require.Error(t, backend.Send(context.Background(), "a@example.org", "s", "b"))
	require.Equal(t, 1, attempts)
}
