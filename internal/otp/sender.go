package otp

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// Delivery is one code to hand to the requester out of band.
type Delivery struct {
	ConversationID string
	RecipientID    string
	Code           string
	ExpiresAt      time.Time
}

// Sender delivers codes out of band.
type Sender interface {
	SendCode(ctx context.Context, d Delivery) error
}

// LogSender writes deliveries to the log. The code itself is only logged
// when RevealCode is set, which is meant for local development.
type LogSender struct {
	RevealCode bool
}

func (s LogSender) SendCode(_ context.Context, d Delivery) error {
	evt := log.Info().
		Str("conversation_id", d.ConversationID).
		Str("recipient_id", d.RecipientID).
		Time("expires_at", d.ExpiresAt)
	if s.RevealCode {
		evt = evt.Str("code", d.Code)
	}
	evt.Msg("otp code issued")
	return nil
}

// SMTPConfig configures MailSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Domain turns bare user ids into addresses: id@Domain.
	Domain string
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailSender emails codes through SMTP.
type MailSender struct {
	cfg SMTPConfig
	d   mailDialer
}

func NewMailSender(cfg SMTPConfig) (*MailSender, error) {
	if cfg.Host == "" || cfg.Port == 0 || cfg.From == "" {
		return nil, fmt.Errorf("smtp host, port and from address must be configured")
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	return &MailSender{cfg: cfg, d: d}, nil
}

func (s *MailSender) recipient(userID string) (string, error) {
	if strings.Contains(userID, "@") {
		return userID, nil
	}
	if s.cfg.Domain == "" {
		return "", fmt.Errorf("no email address for user %q", userID)
	}
	return userID + "@" + s.cfg.Domain, nil
}

func (s *MailSender) message(to string, d Delivery) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Your deal confirmation code")
	m.SetBody("text/plain", fmt.Sprintf(
		"Your confirmation code is %s.\n\nIt expires at %s UTC. If you did not request it, ignore this email.\n",
		d.Code, d.ExpiresAt.UTC().Format("15:04"),
	))
	return m
}

func (s *MailSender) SendCode(ctx context.Context, d Delivery) error {
	to, err := s.recipient(d.RecipientID)
	if err != nil {
		return err
	}
	m := s.message(to, d)

	done := make(chan error, 1)
	go func() { done <- s.d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("otp email cancelled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send otp email: %w", err)
		}
	}
	log.Info().Str("conversation_id", d.ConversationID).Str("recipient_id", d.RecipientID).Msg("otp email sent")
	return nil
}
