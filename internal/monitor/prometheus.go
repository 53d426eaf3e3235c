package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the Prometheus instrumentation surface shared by the
// pipeline and the monitor.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed prometheus.Counter
	EventsRejected  prometheus.Counter
	ThreatsDetected *prometheus.CounterVec
	Violations      prometheus.Counter
	ScorerErrors    *prometheus.CounterVec
	AlertsSent      *prometheus.CounterVec
	AlertsDropped   prometheus.Counter

	PipelineLatency prometheus.Histogram

	BufferDepth   prometheus.Gauge
	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
	DiskPercent   prometheus.Gauge
	Load1         prometheus.Gauge

	server *http.Server
	logger *zap.Logger
}

// NewMetrics builds and registers the metric set on a private registry.
func NewMetrics(logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto(registry)

	m := &Metrics{
		registry: registry,
		logger:   logger,

		EventsProcessed: factory.counter("banken_events_processed_total", "Events accepted into the pipeline."),
		EventsRejected:  factory.counter("banken_events_rejected_total", "Events rejected by validation."),
		ThreatsDetected: factory.counterVec("banken_threats_detected_total", "Detected threats by severity.", "severity"),
		Violations:      factory.counter("banken_compliance_violations_total", "Detected compliance violations."),
		ScorerErrors:    factory.counterVec("banken_scorer_errors_total", "Scorer failures by scorer.", "scorer"),
		AlertsSent:      factory.counterVec("banken_alerts_dispatched_total", "Dispatched alerts by type.", "type"),
		AlertsDropped:   factory.counter("banken_alerts_suppressed_total", "Alerts suppressed by cooldown."),

		PipelineLatency: factory.histogram("banken_pipeline_latency_seconds",
			"End-to-end event processing latency.",
			[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}),

		BufferDepth:   factory.gauge("banken_audit_buffer_depth", "Audit entries awaiting flush."),
		CPUPercent:    factory.gauge("banken_system_cpu_percent", "Host CPU usage percent."),
		MemoryPercent: factory.gauge("banken_system_memory_percent", "Host memory usage percent."),
		DiskPercent:   factory.gauge("banken_system_disk_percent", "Host disk usage percent."),
		Load1:         factory.gauge("banken_system_load1", "Host 1 minute load average."),
	}
	return m
}

// Serve exposes /metrics on addr until the context is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.logger.Error("Metrics server failed", zap.Error(err))
	}
}

// Handler returns the /metrics handler for embedding in another server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// promauto is a small registration helper bound to one registry.
type metricFactory struct {
	registry *prometheus.Registry
}

func promauto(registry *prometheus.Registry) metricFactory {
	return metricFactory{registry: registry}
}

func (f metricFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.registry.MustRegister(c)
	return c
}

func (f metricFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f metricFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.registry.MustRegister(g)
	return g
}

func (f metricFactory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	f.registry.MustRegister(h)
	return h
}
