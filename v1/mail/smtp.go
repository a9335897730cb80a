package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTP delivers through a single SMTP server, dialing per message.
// Booking mails are rare enough that connection reuse is not worth a
// pool.
type SMTP struct {
	cfg Config
}

// NewSMTP returns an SMTP backend for cfg. Port 0 defaults to 465 with
// UseSSL and 587 otherwise.
func NewSMTP(cfg Config) *SMTP {
	if cfg.Port == 0 {
		if cfg.UseSSL {
			cfg.Port = 465
		} else {
			cfg.Port = 587
		}
	}
	return &SMTP{cfg: cfg}
}

// Send implements Backend. The context bounds the whole conversation;
// cfg.Timeout, when set, caps it further.
func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("turnstile: smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.cfg.UseSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: s.cfg.Host})
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("turnstile: smtp handshake %s: %w", addr, err)
	}
	defer c.Close()

	if s.cfg.UseTLS && !s.cfg.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("turnstile: smtp %s does not offer STARTTLS", addr)
		}
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("turnstile: smtp starttls %s: %w", addr, err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return fmt.Errorf("turnstile: smtp %s does not offer AUTH", addr)
		}
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("turnstile: smtp auth %s: %w", addr, err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return fmt.Errorf("turnstile: smtp sender rejected: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("turnstile: smtp recipient %s rejected: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("turnstile: smtp data: %w", err)
	}
	if _, err := w.Write(msg.bytes(time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("turnstile: smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("turnstile: smtp delivery rejected: %w", err)
	}
	return c.Quit()
}
