package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/compliance"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
	"github.com/shizukutanaka/Banken/internal/threat"
)

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, a *alert.Alert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return true, nil
}

func (f *fakeNotifier) byType(t alert.Type) []*alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*alert.Alert
	for _, a := range f.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, *audit.Trail, *fakeNotifier) {
	p, trail, notifier, _ := newTestPipelineAt(t)
	return p, trail, notifier
}

func newTestPipelineAt(t *testing.T) (*Pipeline, *audit.Trail, *fakeNotifier, string) {
	return newTestPipelineWithLogger(t, zap.NewNop())
}

func newTestPipelineWithLogger(t *testing.T, logger *zap.Logger) (*Pipeline, *audit.Trail, *fakeNotifier, string) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	analyzer, err := threat.NewAnalyzer(ctx, logger, store.NewMemoryStore(), config.ThreatConfig{})
	require.NoError(t, err)
	checker := compliance.NewChecker(logger, nil)

	auditStore, err := audit.OpenStore(logger, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	trail, err := audit.NewTrail(logger, auditStore, config.AuditConfig{
		BatchSize:              100,
		FlushInterval:          time.Second,
		MaxBuffered:            1000,
		RetentionDays:          90,
		ViolationRetentionDays: 180,
		ReportRetentionDays:    365,
	})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	return New(logger, analyzer, checker, trail, notifier, nil), trail, notifier, dbPath
}

func pipelineEvent(data map[string]interface{}) *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:        "evt-p1",
		Timestamp: time.Now().UTC(),
		Type:      event.TypeRequest,
		Source: event.Source{
			IP:        "203.0.113.20",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0",
		},
		Data: data,
	}
}

func TestProcessEventCleanPath(t *testing.T) {
	p, trail, notifier := newTestPipeline(t)
	ctx := context.Background()

	err := p.ProcessEvent(ctx, pipelineEvent(map[string]interface{}{"path": "/home"}))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), p.Processed())
	assert.Equal(t, uint64(0), p.Rejected())
	assert.Empty(t, notifier.alerts)

	require.NoError(t, trail.Flush(ctx))
	entries, err := trail.Search(ctx, audit.SearchCriteria{})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "every accepted event is audited")
}

func TestProcessEventLogsCarryEventIdentity(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p, _, _, _ := newTestPipelineWithLogger(t, zap.New(core))
	ctx := context.Background()

	require.NoError(t, p.ProcessEvent(ctx, pipelineEvent(map[string]interface{}{"path": "/home"})))

	entries := logs.FilterMessage("Event processed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "evt-p1", fields["event_id"])
	assert.Equal(t, "request", fields["event_type"])
	assert.Equal(t, "203.0.113.20", fields["source_ip"])
}

func TestProcessEventRejectsMalformed(t *testing.T) {
	p, trail, _ := newTestPipeline(t)
	ctx := context.Background()

	e := pipelineEvent(map[string]interface{}{"path": "/"})
	e.Source.IP = "not-an-ip"
	err := p.ProcessEvent(ctx, e)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Rejected())
	assert.Equal(t, uint64(0), p.Processed())

	require.NoError(t, trail.Flush(ctx))
	entries, err := trail.Search(ctx, audit.SearchCriteria{})
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected events are never audited")
}

func TestProcessEventThreatAlert(t *testing.T) {
	p, _, notifier := newTestPipeline(t)
	ctx := context.Background()

	err := p.ProcessEvent(ctx, pipelineEvent(map[string]interface{}{
		"query": "id=1' OR 1=1--",
	}))
	require.NoError(t, err)

	threats := notifier.byType(alert.TypeThreat)
	require.Len(t, threats, 1)
	assert.Equal(t, "203.0.113.20", threats[0].Identifier)
	assert.Equal(t, uint64(1), p.ThreatsDetected())
}

func TestProcessEventComplianceAlertAndViolationRecord(t *testing.T) {
	p, trail, notifier := newTestPipeline(t)
	ctx := context.Background()

	e := pipelineEvent(map[string]interface{}{
		"comment": "we will kill them all tonight",
	})
	e.Metadata = map[string]interface{}{"userId": "u-13"}
	require.NoError(t, p.ProcessEvent(ctx, e))

	compAlerts := notifier.byType(alert.TypeCompliance)
	require.Len(t, compAlerts, 1)
	assert.Equal(t, "u-13", compAlerts[0].Identifier)
	assert.Equal(t, event.SeverityCritical, compAlerts[0].Severity)

	require.NoError(t, trail.Flush(ctx))
	records, err := trail.Violations(ctx, "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestProcessEventAuditsThreatsToo(t *testing.T) {
	p, trail, _ := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.ProcessEvent(ctx, pipelineEvent(map[string]interface{}{
		"query": "../../etc/passwd",
	})))

	require.NoError(t, trail.Flush(ctx))
	entries, err := trail.Search(ctx, audit.SearchCriteria{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Severity >= event.SeverityHigh)
}

func TestDailyIntegrityCheckEscalatesTampering(t *testing.T) {
	p, trail, notifier, dbPath := newTestPipelineAt(t)
	ctx := context.Background()
	logger := zap.NewNop()

	day := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	e := pipelineEvent(map[string]interface{}{"path": "/"})
	e.Timestamp = day.Add(2 * time.Hour)
	require.NoError(t, p.ProcessEvent(ctx, e))
	require.NoError(t, trail.Flush(ctx))

	// Clean day: no integrity alert.
	require.NoError(t, DailyIntegrityCheck(ctx, logger, trail, notifier, day))
	assert.Empty(t, notifier.byType(alert.TypeIntegrity))

	// Corrupt the stored entry behind the trail's back.
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE audit_logs SET event_data = '{"path":"/altered"}'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, DailyIntegrityCheck(ctx, logger, trail, notifier, day))
	integrity := notifier.byType(alert.TypeIntegrity)
	require.Len(t, integrity, 1)
	assert.Equal(t, event.SeverityCritical, integrity[0].Severity)
	assert.True(t, integrity[0].BypassesCooldown())
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var (
		started atomic.Int32
		release = make(chan struct{})
	)
	job := &Job{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	}

	s := NewScheduler(zap.NewNop(), job)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	// Let several ticks elapse while the first run blocks.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load(), "overlapping ticks must be skipped")

	close(release)
	cancel()
	s.Stop()
}

func TestSchedulerRunsJobRepeatedly(t *testing.T) {
	var runs atomic.Int32
	job := &Job{
		Name:     "fast",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	s := NewScheduler(zap.NewNop(), job)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestAlertRecorderWritesAuditEntry(t *testing.T) {
	_, trail, _ := newTestPipeline(t)
	ctx := context.Background()

	recorder := &AlertRecorder{Trail: trail}
	a := alert.New(alert.TypeSystem, event.SeverityHigh, "cpu", "CPU critical", "cpu at 97%")
	require.NoError(t, recorder.RecordAlert(a))

	require.NoError(t, trail.Flush(ctx))
	entries, err := trail.Search(ctx, audit.SearchCriteria{EventType: string(event.TypeSystem)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, event.SeverityHigh, entries[0].Severity)
}
