package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mail "gopkg.in/mail.v2"
)

const defaultFromName = "Atlas Library 📗"

// SMTPConfig holds the mail account used for outbound messages.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromName string
	Timeout  time.Duration
}

// SMTPSender sends mail through an authenticated SMTP relay. Port 465 uses
// implicit TLS.
type SMTPSender struct {
	dialer *mail.Dialer
	from   string
	name   string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host required")
	}
	user := strings.TrimSpace(cfg.Username)
	if user == "" {
		return nil, errors.New("smtp username required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 465
	}
	name := strings.TrimSpace(cfg.FromName)
	if name == "" {
		name = defaultFromName
	}
	d := mail.NewDialer(host, port, user, cfg.Password)
	d.SSL = port == 465
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	return &SMTPSender{dialer: d, from: user, name: name}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("email recipient required")
	}
	if err := s.dialer.DialAndSend(s.message(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(msg Email) *mail.Message {
	m := mail.NewMessage()
	m.SetAddressHeader("From", s.from, s.name)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}
