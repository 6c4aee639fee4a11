// Package mailer delivers contact form notifications.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-mail/mail/v2"
	"github.com/sirupsen/logrus"

	"advocacy-site/internal/config"
	"advocacy-site/internal/logging"
)

var ErrNoRecipient = errors.New("message has no recipient")

// Message is one outgoing email. HTML is optional; Text is always sent.
type Message struct {
	To      string
	ReplyTo string
	Subject string
	Text    string
	HTML    string
}

type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPTransport dials the configured relay for every message.
type SMTPTransport struct {
	dialer *mail.Dialer
	from   string
}

func NewSMTPTransport(cfg config.MailConfig) *SMTPTransport {
	d := mail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	d.TLSConfig = &tls.Config{ServerName: cfg.SMTPHost}
	d.Timeout = 10 * time.Second
	return &SMTPTransport{dialer: d, from: cfg.From}
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := buildMessage(t.from, msg)
	if err := t.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func buildMessage(from string, msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}

// LogTransport only logs messages. Used when no SMTP relay is configured.
type LogTransport struct {
	logger *logging.ContextLogger
}

func NewLogTransport(logger *logging.ContextLogger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	t.logger.InfoWithTracing(ctx, "Email not sent, no SMTP relay configured", logrus.Fields{
		"to":       msg.To,
		"reply_to": msg.ReplyTo,
		"subject":  msg.Subject,
	})
	return nil
}

// FromConfig picks SMTP when a host is configured.
func FromConfig(cfg config.MailConfig, logger *logging.ContextLogger) Transport {
	if cfg.SMTPHost == "" {
		return NewLogTransport(logger)
	}
	return NewSMTPTransport(cfg)
}
