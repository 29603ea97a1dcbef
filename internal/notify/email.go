package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// EmailChannel delivers alerts over SMTP, optionally with STARTTLS and
// authentication. Connections are opened per delivery, not pooled.
type EmailChannel struct {
	cfg    config.NotificationConfig
	logger *slog.Logger

	// sendFn is swapped in tests to avoid a live SMTP server.
	sendFn func(ctx context.Context, recipients []string, msg string) error
}

// NewEmailChannel creates the email transport.
func NewEmailChannel(cfg config.NotificationConfig, logger *slog.Logger) *EmailChannel {
	ch := &EmailChannel{
		cfg:    cfg,
		logger: logger.With("channel", "email"),
	}
	ch.sendFn = ch.sendSMTP
	return ch
}

// Kind implements Channel.
func (c *EmailChannel) Kind() types.ChannelKind { return types.ChannelEmail }

// Deliver sends the alert to the configured default recipients.
func (c *EmailChannel) Deliver(ctx context.Context, alert *types.Alert) Outcome {
	return c.DeliverTo(ctx, alert, nil)
}

// DeliverTo sends the alert to explicit recipients, falling back to the
// configured default list when none are supplied.
func (c *EmailChannel) DeliverTo(ctx context.Context, alert *types.Alert, recipients []string) Outcome {
	outcome := Outcome{Channel: types.ChannelEmail}

	if !c.cfg.EmailConfigured() {
		outcome.Error = "email_not_configured"
		return outcome
	}

	if len(recipients) == 0 {
		recipients = c.cfg.DefaultEmailRecipients
	}
	if len(recipients) == 0 {
		outcome.Error = "no_recipients"
		return outcome
	}

	msg := c.buildMessage(alert, recipients)
	if err := c.sendFn(ctx, recipients, msg); err != nil {
		if isAuthError(err) {
			outcome.Error = "smtp_auth_failed"
		} else {
			outcome.Error = "smtp_error:" + err.Error()
		}
		return outcome
	}

	now := time.Now().UTC()
	outcome.Success = true
	outcome.DeliveredAt = &now
	outcome.Recipient = strings.Join(recipients, ", ")
	return outcome
}

// buildMessage constructs the RFC 5322 message with headers.
func (c *EmailChannel) buildMessage(alert *types.Alert, recipients []string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", c.cfg.SMTPFromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", buildSubject(alert)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(buildBody(alert))
	return msg.String()
}

func buildSubject(alert *types.Alert) string {
	return fmt.Sprintf("[%s] Security alert for event %d", strings.ToUpper(string(alert.Severity)), alert.EventID)
}

func buildBody(alert *types.Alert) string {
	var body strings.Builder
	fmt.Fprintf(&body, "A security alert was raised.\r\n\r\n")
	fmt.Fprintf(&body, "Alert ID:  %s\r\n", alert.ID)
	fmt.Fprintf(&body, "Event ID:  %d\r\n", alert.EventID)
	fmt.Fprintf(&body, "Severity:  %s\r\n", alert.Severity)
	fmt.Fprintf(&body, "Status:    %s\r\n", alert.Status)
	fmt.Fprintf(&body, "Dedup key: %s\r\n", alert.DedupKey)
	if name, ok := alert.Metadata["rule_name"].(string); ok && name != "" {
		fmt.Fprintf(&body, "Rule:      %s\r\n", name)
	}
	if conditions, ok := alert.Metadata["matched_conditions"].([]any); ok && len(conditions) > 0 {
		fmt.Fprintf(&body, "Matched:\r\n")
		for _, cond := range conditions {
			fmt.Fprintf(&body, "  - %v\r\n", cond)
		}
	}
	fmt.Fprintf(&body, "Created:   %s\r\n", alert.CreatedAt.Format(time.RFC3339))
	return body.String()
}

// sendSMTP opens a connection, negotiates STARTTLS and auth when
// configured, and sends one message to all recipients.
func (c *EmailChannel) sendSMTP(ctx context.Context, recipients []string, msg string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)

	dialer := &net.Dialer{Timeout: config.SMTPDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if c.cfg.SMTPUseTLS {
		tlsConfig := &tls.Config{
			ServerName: c.cfg.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starting TLS: %w", err)
		}
	}

	if c.cfg.SMTPUser != "" && c.cfg.SMTPPassword != "" {
		auth := smtp.PlainAuth("", c.cfg.SMTPUser, c.cfg.SMTPPassword, c.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := client.Mail(c.cfg.SMTPFromAddress); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	for _, recipient := range recipients {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("setting recipient %s: %w", recipient, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("starting message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}

	// The message was accepted; a failed QUIT is not a delivery failure.
	_ = client.Quit()
	return nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication") || strings.Contains(msg, "auth")
}
