package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *SecurityEvent {
	return &SecurityEvent{
		ID:        "evt-1",
		Timestamp: time.Now(),
		Type:      TypeRequest,
		Source:    Source{IP: "203.0.113.10", UserAgent: "Mozilla/5.0"},
		Data:      map[string]interface{}{"path": "/contact"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SecurityEvent)
		wantErr bool
	}{
		{
			name:   "valid event",
			mutate: func(e *SecurityEvent) {},
		},
		{
			name:    "missing timestamp",
			mutate:  func(e *SecurityEvent) { e.Timestamp = time.Time{} },
			wantErr: true,
		},
		{
			name:    "missing type",
			mutate:  func(e *SecurityEvent) { e.Type = "" },
			wantErr: true,
		},
		{
			name:    "missing data",
			mutate:  func(e *SecurityEvent) { e.Data = nil },
			wantErr: true,
		},
		{
			name:   "absent source ip",
			mutate: func(e *SecurityEvent) { e.Source.IP = "" },
		},
		{
			name:    "malformed source ip",
			mutate:  func(e *SecurityEvent) { e.Source.IP = "not-an-ip" },
			wantErr: true,
		},
		{
			name:   "ipv6 source",
			mutate: func(e *SecurityEvent) { e.Source.IP = "2001:db8::1" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewGeneratesIdentity(t *testing.T) {
	e := New(TypeRequest, Source{IP: "203.0.113.10"}, map[string]interface{}{"path": "/"})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	require.NoError(t, e.Validate())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)
	assert.True(t, SeverityHigh < SeverityCritical)
}

func TestSeverityJSONRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		data, err := json.Marshal(sev)
		require.NoError(t, err)

		var back Severity
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, sev, back)
	}
}

func TestRequestPath(t *testing.T) {
	e := validEvent()
	assert.Equal(t, "/contact", e.RequestPath())

	e.Data = map[string]interface{}{"url": "/admin/login"}
	assert.Equal(t, "/admin/login", e.RequestPath())

	e.Data = map[string]interface{}{}
	assert.Equal(t, "", e.RequestPath())
}

func TestPayloadTextDeterministic(t *testing.T) {
	e := validEvent()
	assert.Equal(t, e.PayloadText(), e.PayloadText())
	assert.Contains(t, e.PayloadText(), "/contact")
}
