package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
)

const (
	snapshotKey   = "monitor:snapshot:latest"
	historyKey    = "monitor:snapshot:history"
	warningFactor = 0.8

	// Anomaly rules against the rolling baseline.
	throughputAnomalyFactor = 3.0
	errorRateAnomalyFactor  = 2.0
	errorRateFloorPercent   = 1.0
	minBaselineSamples      = 10
)

// Health statuses, worst wins.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// PipelineStats is the slice of pipeline state the monitor samples.
type PipelineStats interface {
	Processed() uint64
	Errored() uint64
	BufferDepth() int
}

// Notifier dispatches system alerts. Satisfied by alert.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, a *alert.Alert) (bool, error)
}

// Snapshot is one health observation.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	System          SystemMetrics `json:"system"`
	EventsProcessed uint64        `json:"eventsProcessed"`
	ErrorCount      uint64        `json:"errorCount"`
	Throughput      float64       `json:"throughput"` // events per second
	ErrorRate       float64       `json:"errorRate"`  // percent of processed
	BufferDepth     int           `json:"bufferDepth"`
	Status          string        `json:"status"`
	Issues          []string      `json:"issues,omitempty"`
	Anomalies       []string      `json:"anomalies,omitempty"`
}

// Monitor samples host and pipeline health on a fixed interval, stores
// snapshots with a TTL plus a bounded rolling history, and raises system
// alerts on critical thresholds and traffic anomalies.
type Monitor struct {
	logger   *zap.Logger
	cfg      config.MonitorConfig
	kv       store.KV
	sampler  SystemSampler
	stats    PipelineStats
	notifier Notifier
	metrics  *Metrics

	mu            sync.Mutex
	history       []*Snapshot
	lastProcessed uint64
	lastErrored   uint64
	lastSample    time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a monitor. The notifier and metrics may be nil in tests.
func New(logger *zap.Logger, cfg config.MonitorConfig, kv store.KV, sampler SystemSampler, stats PipelineStats, notifier Notifier, metrics *Metrics) *Monitor {
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	return &Monitor{
		logger:   logger,
		cfg:      cfg,
		kv:       kv,
		sampler:  sampler,
		stats:    stats,
		notifier: notifier,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start launches the sampling loop and, when enabled, the Prometheus
// endpoint.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.PrometheusEnabled && m.metrics != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.metrics.Serve(ctx, m.cfg.PrometheusAddr)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sample(ctx); err != nil {
					m.logger.Warn("Health sample failed", zap.Error(err))
				}
			}
		}
	}()

	m.logger.Info("Health monitor started",
		zap.Duration("interval", m.cfg.SampleInterval),
		zap.Int("historySize", m.cfg.HistorySize))
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// Sample takes one observation, evaluates thresholds and anomalies,
// persists the snapshot and raises alerts as needed.
func (m *Monitor) Sample(ctx context.Context) (*Snapshot, error) {
	system, err := m.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Timestamp: m.now().UTC(),
		System:    system,
	}
	if m.stats != nil {
		snapshot.EventsProcessed = m.stats.Processed()
		snapshot.ErrorCount = m.stats.Errored()
		snapshot.BufferDepth = m.stats.BufferDepth()
	}

	m.mu.Lock()
	m.computeRates(snapshot)
	baseline := m.baseline()
	m.appendHistory(snapshot)
	m.mu.Unlock()

	m.evaluateThresholds(snapshot)
	m.detectAnomalies(snapshot, baseline)
	m.updateGauges(snapshot)

	if err := m.persist(ctx, snapshot); err != nil {
		m.logger.Warn("Failed to persist health snapshot", zap.Error(err))
	}
	m.raiseAlerts(ctx, snapshot)

	return snapshot, nil
}

// computeRates derives throughput and error rate from counter deltas
// since the previous sample. Callers hold m.mu.
func (m *Monitor) computeRates(s *Snapshot) {
	if !m.lastSample.IsZero() {
		elapsed := s.Timestamp.Sub(m.lastSample).Seconds()
		if elapsed > 0 {
			s.Throughput = float64(s.EventsProcessed-m.lastProcessed) / elapsed
		}
		processedDelta := s.EventsProcessed - m.lastProcessed
		erroredDelta := s.ErrorCount - m.lastErrored
		if processedDelta > 0 {
			s.ErrorRate = float64(erroredDelta) / float64(processedDelta) * 100
		}
	}
	m.lastSample = s.Timestamp
	m.lastProcessed = s.EventsProcessed
	m.lastErrored = s.ErrorCount
}

type baselineStats struct {
	samples        int
	meanThroughput float64
	meanErrorRate  float64
}

// baseline averages the rolling history. Callers hold m.mu.
func (m *Monitor) baseline() baselineStats {
	b := baselineStats{samples: len(m.history)}
	if b.samples == 0 {
		return b
	}
	for _, s := range m.history {
		b.meanThroughput += s.Throughput
		b.meanErrorRate += s.ErrorRate
	}
	b.meanThroughput /= float64(b.samples)
	b.meanErrorRate /= float64(b.samples)
	return b
}

func (m *Monitor) appendHistory(s *Snapshot) {
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// evaluateThresholds applies the two-tier rule: warning at 80% of the
// critical threshold, critical at the threshold itself.
func (m *Monitor) evaluateThresholds(s *Snapshot) {
	checks := []struct {
		name     string
		value    float64
		critical float64
	}{
		{"cpu", s.System.CPUPercent, m.cfg.CPUCritical},
		{"memory", s.System.MemoryPercent, m.cfg.MemoryCritical},
		{"disk", s.System.DiskPercent, m.cfg.DiskCritical},
		{"load", s.System.Load1, m.cfg.LoadCritical},
		{"error_rate", s.ErrorRate, m.cfg.ErrorRateCritical},
	}

	s.Status = StatusHealthy
	for _, c := range checks {
		switch {
		case c.value >= c.critical:
			s.Status = StatusCritical
			s.Issues = append(s.Issues, fmt.Sprintf("%s critical: %.1f (threshold %.1f)", c.name, c.value, c.critical))
		case c.value >= c.critical*warningFactor:
			if s.Status != StatusCritical {
				s.Status = StatusWarning
			}
			s.Issues = append(s.Issues, fmt.Sprintf("%s elevated: %.1f (warning at %.1f)", c.name, c.value, c.critical*warningFactor))
		}
	}
}

// detectAnomalies compares the sample against the rolling baseline.
// Requires enough history to have a meaningful mean.
func (m *Monitor) detectAnomalies(s *Snapshot, baseline baselineStats) {
	if baseline.samples < minBaselineSamples {
		return
	}

	if baseline.meanThroughput > 0 && s.Throughput > baseline.meanThroughput*throughputAnomalyFactor {
		s.Anomalies = append(s.Anomalies, fmt.Sprintf(
			"throughput %.1f/s exceeds 3x baseline %.1f/s", s.Throughput, baseline.meanThroughput))
	}
	if s.ErrorRate > baseline.meanErrorRate*errorRateAnomalyFactor && s.ErrorRate > errorRateFloorPercent {
		s.Anomalies = append(s.Anomalies, fmt.Sprintf(
			"error rate %.2f%% exceeds 2x baseline %.2f%%", s.ErrorRate, baseline.meanErrorRate))
	}
}

func (m *Monitor) updateGauges(s *Snapshot) {
	if m.metrics == nil {
		return
	}
	m.metrics.CPUPercent.Set(s.System.CPUPercent)
	m.metrics.MemoryPercent.Set(s.System.MemoryPercent)
	m.metrics.DiskPercent.Set(s.System.DiskPercent)
	m.metrics.Load1.Set(s.System.Load1)
	m.metrics.BufferDepth.Set(float64(s.BufferDepth))
}

func (m *Monitor) persist(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := m.kv.Set(ctx, snapshotKey, string(data), m.cfg.SnapshotTTL); err != nil {
		return err
	}
	if err := m.kv.ListPush(ctx, historyKey, string(data)); err != nil {
		return err
	}
	return m.kv.ListTrim(ctx, historyKey, 0, int64(m.cfg.HistorySize)-1)
}

func (m *Monitor) raiseAlerts(ctx context.Context, s *Snapshot) {
	if m.notifier == nil {
		return
	}

	if s.Status == StatusCritical {
		a := alert.New(alert.TypeSystem, event.SeverityCritical, "health",
			"System health critical", fmt.Sprintf("%d critical issue(s) detected", len(s.Issues))).
			With("issues", s.Issues).
			With("snapshot", s.Timestamp)
		if _, err := m.notifier.Notify(ctx, a); err != nil {
			m.logger.Error("Failed to raise health alert", zap.Error(err))
		}
	}

	for _, anomaly := range s.Anomalies {
		a := alert.New(alert.TypeSystem, event.SeverityHigh, "anomaly",
			"Traffic anomaly detected", anomaly)
		if _, err := m.notifier.Notify(ctx, a); err != nil {
			m.logger.Error("Failed to raise anomaly alert", zap.Error(err))
		}
	}
}

// Latest returns the most recent persisted snapshot, or nil when none
// exists or it has expired.
func (m *Monitor) Latest(ctx context.Context) (*Snapshot, error) {
	data, err := m.kv.Get(ctx, snapshotKey)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// History returns up to limit recent snapshots, newest first.
func (m *Monitor) History(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 || limit > m.cfg.HistorySize {
		limit = m.cfg.HistorySize
	}
	items, err := m.kv.ListRange(ctx, historyKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, 0, len(items))
	for _, item := range items {
		var s Snapshot
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, nil
}
