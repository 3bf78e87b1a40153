package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	applog "outlay/internal/log"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPChannel sends reports as HTML mail, upgrading to TLS with STARTTLS
// when the server offers it.
type SMTPChannel struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPChannel{cfg: cfg, now: time.Now}
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Deliver(ctx context.Context, r Report) error {
	if r.To == "" {
		return Permanent("missing recipient")
	}
	to, err := mail.ParseAddress(r.To)
	if err != nil {
		return Permanent("invalid recipient address").Wrap(err)
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Retryable("smtp connect failed").Wrap(err)
	}
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classifySMTP("greeting", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return classifySMTP("starttls", err)
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return classifySMTP("auth", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return classifySMTP("mail", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return classifySMTP("rcpt", err)
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(c.message(to.Address, r)); err != nil {
		_ = w.Close()
		return classifySMTP("data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("data", err)
	}

	if err := client.Quit(); err != nil {
		// The message was accepted before QUIT failed.
		slog.WarnContext(ctx, "SMTP quit failed after delivery",
			applog.FieldChannel, "smtp",
			applog.FieldError, err)
	}
	return nil
}

func (c *SMTPChannel) message(to string, r Report) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", r.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(r.HTML)
	return b.Bytes()
}

// classifySMTP maps an SMTP failure onto a delivery class. Rejected
// credentials and rejected recipients are permanent; anything else may
// succeed later.
func classifySMTP(stage string, err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case stage == "auth" && tp.Code >= 500:
			return Permanent("invalid SMTP credentials").Wrap(err)
		case stage == "rcpt" && tp.Code >= 500:
			return Permanent("recipient rejected").Wrap(err)
		}
		return Retryable(fmt.Sprintf("smtp %s failed", stage)).Wrap(err)
	}
	if stage == "auth" {
		// net/smtp reports refused plain auth on a cleartext link as a
		// plain error: configuration, not a transient fault.
		var netErr net.Error
		if !errors.As(err, &netErr) {
			return Permanent("smtp auth unavailable").Wrap(err)
		}
	}
	return Retryable(fmt.Sprintf("smtp %s failed", stage)).Wrap(err)
}
