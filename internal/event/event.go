package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type categorizes inbound security events.
type Type string

const (
	TypeRequest      Type = "request"
	TypeAuth         Type = "authentication"
	TypeChatMessage  Type = "chat_message"
	TypeFormSubmit   Type = "form_submit"
	TypeAdminAction  Type = "admin_action"
	TypeSystem       Type = "system"
)

// Severity is the ordinal classification shared by threats, violations
// and alerts. Higher values always dominate when results are merged.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the wire representation of a severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a wire string back into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity: %q", s)
	}
}

// MarshalJSON encodes severities as their string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes severities from their string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Source identifies where an event originated.
type Source struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent,omitempty"`
	Referer   string `json:"referer,omitempty"`
}

// SecurityEvent is the immutable pipeline input. Required fields are
// validated once on ingestion; the event is never mutated afterwards.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      Type                   `json:"type"`
	Source    Source                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// New constructs a SecurityEvent with a generated ID and current timestamp.
func New(eventType Type, source Source, data map[string]interface{}) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Source:    source,
		Data:      data,
	}
}

// Validate checks the invariants required before an event may enter the
// pipeline. Malformed events are rejected, never repaired.
func (e *SecurityEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Data == nil {
		return fmt.Errorf("data is required")
	}
	if e.Source.IP != "" && net.ParseIP(e.Source.IP) == nil {
		return fmt.Errorf("source.ip is not a valid IP address: %q", e.Source.IP)
	}
	return nil
}

// PayloadText serializes the event payload to text for pattern matching.
// HTML escaping is disabled so markup-based patterns see the raw payload.
func (e *SecurityEvent) PayloadText() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.Data); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// RequestPath extracts the request path from the payload when present.
func (e *SecurityEvent) RequestPath() string {
	if e.Data == nil {
		return ""
	}
	if path, ok := e.Data["path"].(string); ok {
		return path
	}
	if url, ok := e.Data["url"].(string); ok {
		return url
	}
	return ""
}
