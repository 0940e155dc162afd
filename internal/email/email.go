// Package email delivers confirmation messages. Two backends exist: real
// SMTP delivery and an append-only file outbox for local development and
// tests. The server refuses registration flows when no backend is
// configured.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend sends a single plain-text message.
type Backend interface {
	Send(ctx context.Context, to, subject, body string) error
}

// formatMessage renders an RFC 5322 style message. Header values are
// expected to be single-line; callers control them.
func formatMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
