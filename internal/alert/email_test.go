package alert

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newCapturingNotifier(cfg Config, captured *capturedMail, sendErr error) *EmailNotifier {
	n := NewEmailNotifier(cfg, zerolog.Nop())
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*captured = capturedMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)}
		return sendErr
	}
	return n
}

func TestNotifyBuildsMessage(t *testing.T) {
	var mail capturedMail
	n := newCapturingNotifier(Config{
		Host: "smtp.example.com",
		Port: 587,
		From: "trackd@example.com",
	}, &mail, nil)

	err := n.Notify([]string{"ops@example.com", " field@example.com "}, "Delivery failed", "report body")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if mail.addr != "smtp.example.com:587" {
		t.Errorf("addr: got %q", mail.addr)
	}
	if mail.from != "trackd@example.com" {
		t.Errorf("from: got %q", mail.from)
	}
	if len(mail.to) != 2 || mail.to[1] != "field@example.com" {
		t.Errorf("recipients not trimmed: %v", mail.to)
	}
	if !strings.Contains(mail.msg, "Subject: Delivery failed\r\n") {
		t.Errorf("missing subject header in %q", mail.msg)
	}
	if !strings.HasSuffix(mail.msg, "report body") {
		t.Errorf("missing body in %q", mail.msg)
	}
	if mail.auth != nil {
		t.Errorf("no auth expected without username")
	}
}

func TestNotifyFallsBackToSenderAddress(t *testing.T) {
	var mail capturedMail
	n := newCapturingNotifier(Config{Host: "localhost", Port: 25, From: "trackd@example.com"}, &mail, nil)

	if err := n.Notify(nil, "subject", "body"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(mail.to) != 1 || mail.to[0] != "trackd@example.com" {
		t.Errorf("expected fallback recipient, got %v", mail.to)
	}
}

func TestNotifyUsesAuthWhenConfigured(t *testing.T) {
	var mail capturedMail
	n := newCapturingNotifier(Config{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "user",
		Password: "pass",
		From:     "trackd@example.com",
	}, &mail, nil)

	if err := n.Notify([]string{"ops@example.com"}, "s", "b"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if mail.auth == nil {
		t.Errorf("expected auth with username configured")
	}
}

func TestNotifyPropagatesSendError(t *testing.T) {
	var mail capturedMail
	n := newCapturingNotifier(Config{Host: "localhost", Port: 25, From: "a@b"}, &mail, errors.New("connection refused"))

	if err := n.Notify([]string{"ops@example.com"}, "s", "b"); err == nil {
		t.Fatalf("expected error from failing transport")
	}
}
