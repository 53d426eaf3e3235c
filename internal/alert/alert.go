package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/shizukutanaka/Banken/internal/event"
)

// Type classifies alerts for cooldown and channel routing.
type Type string

const (
	TypeThreat     Type = "threat"
	TypeCompliance Type = "compliance"
	TypeIntegrity  Type = "integrity"
	TypeSystem     Type = "system"
)

// Alert is one notification. Identifier scopes the cooldown: alerts of
// the same type and identifier inside the cooldown window are suppressed.
type Alert struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Severity   event.Severity         `json:"severity"`
	Identifier string                 `json:"identifier"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// New constructs an alert with a generated ID and current timestamp.
func New(alertType Type, severity event.Severity, identifier, title, message string) *Alert {
	return &Alert{
		ID:         uuid.NewString(),
		Type:       alertType,
		Severity:   severity,
		Identifier: identifier,
		Title:      title,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}

// With attaches a detail field.
func (a *Alert) With(key string, value interface{}) *Alert {
	if a.Details == nil {
		a.Details = make(map[string]interface{})
	}
	a.Details[key] = value
	return a
}

// BypassesCooldown reports whether this alert must never be suppressed:
// integrity failures and critical compliance violations always go out.
func (a *Alert) BypassesCooldown() bool {
	if a.Type == TypeIntegrity {
		return true
	}
	return a.Type == TypeCompliance && a.Severity == event.SeverityCritical
}
