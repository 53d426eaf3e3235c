package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/store"
)

type fakeSampler struct {
	metrics SystemMetrics
}

func (f *fakeSampler) Sample(context.Context) (SystemMetrics, error) {
	return f.metrics, nil
}

type fakeStats struct {
	processed uint64
	errored   uint64
	depth     int
}

func (f *fakeStats) Processed() uint64 { return f.processed }
func (f *fakeStats) Errored() uint64   { return f.errored }
func (f *fakeStats) BufferDepth() int  { return f.depth }

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

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		SampleInterval:    15 * time.Second,
		HistorySize:       120,
		SnapshotTTL:       time.Hour,
		CPUCritical:       90,
		MemoryCritical:    90,
		DiskCritical:      95,
		LoadCritical:      8,
		ErrorRateCritical: 10,
	}
}

func newTestMonitor(sampler *fakeSampler, stats *fakeStats, notifier Notifier) *Monitor {
	return New(zap.NewNop(), testMonitorConfig(), store.NewMemoryStore(), sampler, stats, notifier, nil)
}

func TestSampleHealthy(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 20, MemoryPercent: 40, DiskPercent: 50, Load1: 1}}
	m := newTestMonitor(sampler, &fakeStats{processed: 100}, nil)

	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Empty(t, s.Issues)
}

func TestSampleWarningAtEightyPercentOfCritical(t *testing.T) {
	// CPU critical is 90, so warning starts at 72.
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 75}}
	m := newTestMonitor(sampler, &fakeStats{}, nil)

	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, s.Status)
	require.Len(t, s.Issues, 1)
	assert.Contains(t, s.Issues[0], "cpu elevated")
}

func TestSampleCriticalRaisesAlert(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 95, MemoryPercent: 92}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(sampler, &fakeStats{}, notifier)

	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, s.Status)
	assert.Len(t, s.Issues, 2)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, alert.TypeSystem, notifier.alerts[0].Type)
}

func TestCriticalDominatesWarning(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 95, MemoryPercent: 75}}
	m := newTestMonitor(sampler, &fakeStats{}, nil)

	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, s.Status)
}

func TestThroughputAnomalyDetection(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 10}}
	stats := &fakeStats{}
	notifier := &fakeNotifier{}
	m := newTestMonitor(sampler, stats, notifier)

	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Build a steady baseline: 10 events per 15s sample.
	for i := 0; i < 12; i++ {
		stats.processed += 150 // 10/s
		now = now.Add(15 * time.Second)
		_, err := m.Sample(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 0, notifier.count())

	// Spike: 50/s against a ~10/s baseline.
	stats.processed += 750
	now = now.Add(15 * time.Second)
	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, s.Anomalies)
	assert.Contains(t, s.Anomalies[0], "throughput")
	assert.GreaterOrEqual(t, notifier.count(), 1)
}

func TestErrorRateAnomalyRequiresAbsoluteFloor(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{}}
	stats := &fakeStats{}
	m := newTestMonitor(sampler, stats, nil)

	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Baseline with a tiny error rate (~0.1%).
	for i := 0; i < 12; i++ {
		stats.processed += 1000
		stats.errored += 1
		now = now.Add(15 * time.Second)
		_, err := m.Sample(context.Background())
		require.NoError(t, err)
	}

	// 0.5% error rate: above 2x baseline but under the 1% floor.
	stats.processed += 1000
	stats.errored += 5
	now = now.Add(15 * time.Second)
	s, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Anomalies)

	// 5% error rate: above both gates.
	stats.processed += 1000
	stats.errored += 50
	now = now.Add(15 * time.Second)
	s, err = m.Sample(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, s.Anomalies)
	assert.Contains(t, s.Anomalies[0], "error rate")
}

func TestSnapshotPersistenceAndHistory(t *testing.T) {
	sampler := &fakeSampler{metrics: SystemMetrics{CPUPercent: 30}}
	m := newTestMonitor(sampler, &fakeStats{processed: 10}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Sample(ctx)
		require.NoError(t, err)
	}

	latest, err := m.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 30.0, latest.System.CPUPercent)

	history, err := m.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestHistoryBounded(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.HistorySize = 5
	sampler := &fakeSampler{metrics: SystemMetrics{}}
	m := New(zap.NewNop(), cfg, store.NewMemoryStore(), sampler, &fakeStats{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := m.Sample(ctx)
		require.NoError(t, err)
	}

	history, err := m.History(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.history, 5)
}

func TestLatestMissingReturnsNil(t *testing.T) {
	m := newTestMonitor(&fakeSampler{}, &fakeStats{}, nil)
	latest, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}
