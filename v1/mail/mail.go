// Package mail sends event notifications. Events configured with their
// own SMTP settings get a dedicated transport; everything else uses the
// process default, which in development is just a log line.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Message is a plain-text mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

func (m *Message) validate() error {
	if m.From == "" {
		return errors.New("turnstile: mail has no sender")
	}
	if len(m.To) == 0 {
		return errors.New("turnstile: mail has no recipients")
	}
	return nil
}

// bytes renders the RFC 5322 wire form. CRLF endings; the SMTP data
// writer handles dot-stuffing.
func (m *Message) bytes(now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Backend delivers messages.
type Backend interface {
	Send(ctx context.Context, msg *Message) error
}

// Config is an event's custom SMTP block. UseCustom false means the
// event has none and the process default applies.
type Config struct {
	UseCustom bool
	Host      string
	Port      int
	Username  string
	Password  string
	// UseTLS upgrades via STARTTLS; UseSSL dials TLS directly. UseSSL
	// wins when both are set.
	UseTLS  bool
	UseSSL  bool
	Timeout time.Duration
}

// BackendFor picks the transport for a config: the custom SMTP backend
// when one is configured, def otherwise. A nil def falls back to the
// log backend.
func BackendFor(cfg Config, def Backend) Backend {
	if cfg.UseCustom {
		return NewSMTP(cfg)
	}
	if def == nil {
		return NewLog(nil)
	}
	return def
}

// LogBackend writes messages to a logger instead of delivering them.
type LogBackend struct {
	log *slog.Logger
}

// NewLog returns a LogBackend. A nil log uses slog.Default.
func NewLog(log *slog.Logger) *LogBackend {
	if log == nil {
		log = slog.Default()
	}
	return &LogBackend{log: log}
}

// Send implements Backend.
func (l *LogBackend) Send(ctx context.Context, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	l.log.Info("turnstile: mail not delivered, log backend active",
		"to", strings.Join(msg.To, ","), "subject", msg.Subject)
	return nil
}
