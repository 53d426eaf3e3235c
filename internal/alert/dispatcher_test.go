package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
)

type captureChannel struct {
	mu    sync.Mutex
	sent  []*Alert
	fail  bool
	calls int
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, a *Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return fmt.Errorf("capture channel down")
	}
	c.sent = append(c.sent, a)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testConfig() config.AlertConfig {
	return config.AlertConfig{
		ThreatCooldown:     2 * time.Minute,
		ComplianceCooldown: 10 * time.Minute,
		SystemCooldown:     15 * time.Minute,
		SendTimeout:        time.Second,
	}
}

func newTestDispatcher(kv store.KV) (*Dispatcher, *captureChannel) {
	d := NewDispatcher(zap.NewNop(), kv, testConfig(), nil)
	capture := &captureChannel{}
	d.channels = append(d.channels, capture)
	return d, capture
}

func TestNotifyDispatchesOnce(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	a := New(TypeThreat, event.SeverityHigh, "203.0.113.9", "Threat detected", "sql injection attempt")
	sent, err := d.Notify(ctx, a)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 1, capture.count())
}

func TestNotifySuppressesWithinCooldown(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := New(TypeThreat, event.SeverityHigh, "203.0.113.9", "Threat detected", "repeat offender")
		_, err := d.Notify(ctx, a)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, capture.count())
	dispatched, suppressed := d.Stats()
	assert.Equal(t, uint64(1), dispatched)
	assert.Equal(t, uint64(4), suppressed)
}

func TestNotifyDistinctIdentifiersNotSuppressed(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := New(TypeThreat, event.SeverityHigh, fmt.Sprintf("203.0.113.%d", i), "Threat detected", "m")
		_, err := d.Notify(ctx, a)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, capture.count())
}

func TestNotifyRedispatchesAfterCooldownExpiry(t *testing.T) {
	kv := store.NewMemoryStore()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	kv.SetNow(func() time.Time { return now })

	d, capture := newTestDispatcher(kv)
	ctx := context.Background()

	_, err := d.Notify(ctx, New(TypeThreat, event.SeverityHigh, "203.0.113.9", "t", "m"))
	require.NoError(t, err)
	_, err = d.Notify(ctx, New(TypeThreat, event.SeverityHigh, "203.0.113.9", "t", "m"))
	require.NoError(t, err)
	assert.Equal(t, 1, capture.count())

	now = now.Add(3 * time.Minute)
	_, err = d.Notify(ctx, New(TypeThreat, event.SeverityHigh, "203.0.113.9", "t", "m"))
	require.NoError(t, err)
	assert.Equal(t, 2, capture.count())
}

func TestCriticalComplianceBypassesCooldown(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := New(TypeCompliance, event.SeverityCritical, "u-42", "Violation", "dignity violation")
		sent, err := d.Notify(ctx, a)
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Equal(t, 3, capture.count())
}

func TestIntegrityAlwaysBypassesCooldown(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := New(TypeIntegrity, event.SeverityCritical, "2026-07-01", "Integrity failure", "invalid logs detected")
		sent, err := d.Notify(ctx, a)
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Equal(t, 3, capture.count())
}

func TestNonCriticalComplianceStillCoolsDown(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := New(TypeCompliance, event.SeverityMedium, "u-42", "Violation", "transparency gap")
		_, err := d.Notify(ctx, a)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, capture.count())
}

func TestChannelFailureIsIsolated(t *testing.T) {
	d, capture := newTestDispatcher(store.NewMemoryStore())
	failing := &captureChannel{fail: true}
	d.channels = append(d.channels, failing)
	ctx := context.Background()

	sent, err := d.Notify(ctx, New(TypeThreat, event.SeverityHigh, "203.0.113.9", "t", "m"))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, 1, failing.calls)
}

func TestPerTypeChannelRouting(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.WebhookURL = server.URL
	cfg.SystemChannels = []string{"log"}

	d := NewDispatcher(zap.NewNop(), store.NewMemoryStore(), cfg, nil)
	ctx := context.Background()

	sent, err := d.Notify(ctx, New(TypeSystem, event.SeverityHigh, "cpu", "CPU critical", "cpu at 97%"))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))

	sent, err = d.Notify(ctx, New(TypeThreat, event.SeverityHigh, "203.0.113.9", "Threat detected", "m"))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRoutingSkipsUnconfiguredChannelNames(t *testing.T) {
	cfg := testConfig()
	cfg.ThreatChannels = []string{"email", "log"}

	d := NewDispatcher(zap.NewNop(), store.NewMemoryStore(), cfg, nil)
	require.Len(t, d.routes[TypeThreat], 1)
	assert.Equal(t, "log", d.routes[TypeThreat][0].Name())
}

func TestWebhookChannelDelivery(t *testing.T) {
	var received *Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = &a
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.WebhookURL = server.URL
	cfg.WebhookToken = "secret-token"

	ch := &webhookChannel{cfg: cfg, client: &http.Client{Timeout: time.Second}}
	a := New(TypeSystem, event.SeverityHigh, "cpu", "CPU critical", "cpu at 97%")
	require.NoError(t, ch.Send(context.Background(), a))
	require.NotNil(t, received)
	assert.Equal(t, a.ID, received.ID)
	assert.Equal(t, TypeSystem, received.Type)
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.WebhookURL = server.URL
	ch := &webhookChannel{cfg: cfg, client: &http.Client{Timeout: time.Second}}

	err := ch.Send(context.Background(), New(TypeSystem, event.SeverityLow, "x", "t", "m"))
	assert.Error(t, err)
}
