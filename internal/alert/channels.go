package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/errors"
)

// Channel delivers one alert over one transport. Channel failures are
// isolated by the dispatcher and never block other channels.
type Channel interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// logChannel writes the alert to the structured log. It is always
// configured so every alert leaves at least one trace.
type logChannel struct {
	logger *zap.Logger
}

func (c *logChannel) Name() string { return "log" }

func (c *logChannel) Send(_ context.Context, a *Alert) error {
	c.logger.Warn("Security alert",
		zap.String("alertId", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", a.Severity.String()),
		zap.String("identifier", a.Identifier),
		zap.String("title", a.Title),
		zap.String("message", a.Message),
		zap.Any("details", a.Details))
	return nil
}

// emailChannel sends over SMTP.
type emailChannel struct {
	cfg config.AlertConfig
}

func (c *emailChannel) Name() string { return "email" }

func (c *emailChannel) Send(_ context.Context, a *Alert) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	var auth smtp.Auth
	if c.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.cfg.SMTPUser, c.cfg.SMTPPass, c.cfg.SMTPHost)
	}

	recipients := strings.Split(c.cfg.SMTPTo, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n\r\nAlert ID: %s\nIdentifier: %s\nTime: %s\n",
		c.cfg.SMTPFrom, c.cfg.SMTPTo, strings.ToUpper(a.Severity.String()), a.Title,
		a.Message, a.ID, a.Identifier, a.Timestamp.Format("2006-01-02 15:04:05 UTC"))

	if err := smtp.SendMail(addr, auth, c.cfg.SMTPFrom, recipients, []byte(body)); err != nil {
		return errors.Channel("ALERT_EMAIL", "failed to send alert email").Wrap(err)
	}
	return nil
}

// webhookChannel POSTs the alert as JSON.
type webhookChannel struct {
	cfg    config.AlertConfig
	client *http.Client
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Channel("ALERT_WEBHOOK_ENCODE", "failed to encode alert").Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Channel("ALERT_WEBHOOK_REQUEST", "failed to build webhook request").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.WebhookToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Channel("ALERT_WEBHOOK_SEND", "failed to deliver webhook").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Channel("ALERT_WEBHOOK_STATUS", "webhook rejected alert").
			With("status", resp.StatusCode)
	}
	return nil
}

// AuditRecorder is the slice of the audit trail the audit channel needs.
type AuditRecorder interface {
	RecordAlert(a *Alert) error
}

// auditChannel records the alert into the audit trail so dispatch itself
// is part of the tamper-evident history.
type auditChannel struct {
	recorder AuditRecorder
}

func (c *auditChannel) Name() string { return "audit" }

func (c *auditChannel) Send(_ context.Context, a *Alert) error {
	if err := c.recorder.RecordAlert(a); err != nil {
		return errors.Channel("ALERT_AUDIT", "failed to record alert in audit trail").Wrap(err)
	}
	return nil
}
