// Package alert implements the fallback notification channel used when
// report delivery exhausts its retries.
package alert

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Config holds SMTP settings for the e-mail notifier.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier sends alerts over SMTP.
type EmailNotifier struct {
	cfg    Config
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewEmailNotifier creates an SMTP-backed notifier.
func NewEmailNotifier(cfg Config, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logger.With().Str("component", "email-alert").Logger(),
	}
}

// Notify sends one message to the recipients. An empty recipient list
// falls back to the configured sender address.
func (n *EmailNotifier) Notify(recipients []string, subject, body string) error {
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if strings.TrimSpace(r) != "" {
			to = append(to, strings.TrimSpace(r))
		}
	}
	if len(to) == 0 {
		to = []string{n.cfg.From}
	}

	msg := strings.Builder{}
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, auth, n.cfg.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}

	n.logger.Info().
		Strs("recipients", to).
		Str("subject", subject).
		Msg("Alert mail sent")
	return nil
}
