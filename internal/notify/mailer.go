package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// Mailer delivers a single email. Implementations must be safe for
// concurrent use by the dispatcher workers.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds configuration for the SMTP mailer.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// DefaultSMTPConfig returns the default SMTP configuration.
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host: "localhost",
		Port: 587,
		From: "alerts@localhost",
	}
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	config SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: cfg}
}

// Send delivers one message. The context deadline is not honored by
// net/smtp itself, so the dispatcher bounds each attempt with its own
// timeout before calling.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	msg := buildMessage(m.config.From, to, subject, body)
	if err := smtp.SendMail(addr, auth, m.config.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// FormatAlertEmail renders the subject and body for an alert notification.
func FormatAlertEmail(p EmailPayload) (subject, body string) {
	subject = fmt.Sprintf("[ALERT] %s (%s)", p.RuleName, p.Tenant)

	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s triggered for tenant %s.\n\n", p.AlertID, p.Tenant)
	fmt.Fprintf(&b, "Rule: %s\n", p.RuleName)
	if p.Severity != nil {
		fmt.Fprintf(&b, "Severity: %d\n", *p.Severity)
	}
	if p.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", p.Source)
	}
	if p.EventType != "" {
		fmt.Fprintf(&b, "Event type: %s\n", p.EventType)
	}
	if p.LogID != "" {
		fmt.Fprintf(&b, "Log: %s\n", p.LogID)
	}
	return subject, b.String()
}
