package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/compliance"
	"github.com/shizukutanaka/Banken/internal/errors"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/logging"
	"github.com/shizukutanaka/Banken/internal/monitor"
	"github.com/shizukutanaka/Banken/internal/threat"
)

// Notifier dispatches alerts. Satisfied by alert.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, a *alert.Alert) (bool, error)
}

// Pipeline orchestrates event processing: validate, score concurrently,
// merge, audit, alert. Inbound events never wait on each other and a
// scorer failure never stalls ingestion.
type Pipeline struct {
	logger     *zap.Logger
	threats    *threat.Analyzer
	compliance *compliance.Checker
	trail      *audit.Trail
	dispatcher Notifier
	metrics    *monitor.Metrics

	processed atomic.Uint64
	rejected  atomic.Uint64
	errored   atomic.Uint64
	detected  atomic.Uint64
}

// New wires the pipeline. Metrics may be nil in tests.
func New(logger *zap.Logger, threats *threat.Analyzer, checker *compliance.Checker, trail *audit.Trail, dispatcher Notifier, metrics *monitor.Metrics) *Pipeline {
	return &Pipeline{
		logger:     logger,
		threats:    threats,
		compliance: checker,
		trail:      trail,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// ProcessEvent runs one event through the pipeline. The returned error is
// non-nil only for validation failures; downstream scorer and channel
// outcomes are internal and never surface to the caller.
func (p *Pipeline) ProcessEvent(ctx context.Context, e *event.SecurityEvent) error {
	started := time.Now()

	if err := e.Validate(); err != nil {
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.EventsRejected.Inc()
		}
		p.logger.Warn("Rejected malformed event", zap.Error(err))
		return errors.Validation("EVENT_INVALID", "event failed validation").Wrap(err)
	}

	evLogger := logging.WithSource(logging.WithEvent(p.logger, e.ID, string(e.Type)), e.Source.IP)

	threatResult, compResult := p.score(ctx, evLogger, e)

	severity := threatResult.Severity
	if !compResult.Compliant {
		if worst := worstViolationSeverity(compResult); worst > severity {
			severity = worst
		}
	}

	entryID, err := p.trail.Record(e, compResult, severity)
	if err != nil {
		p.errored.Add(1)
		evLogger.Error("Failed to record audit entry", zap.Error(err))
	}

	p.raiseAlerts(ctx, evLogger, e, entryID, threatResult, compResult)

	p.processed.Add(1)
	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
		p.metrics.PipelineLatency.Observe(time.Since(started).Seconds())
		if p.trail != nil {
			p.metrics.BufferDepth.Set(float64(p.trail.BufferDepth()))
		}
	}
	evLogger.Debug("Event processed",
		zap.Bool("threat", threatResult.IsThreat),
		zap.Bool("compliant", compResult.Compliant),
		zap.Duration("took", time.Since(started)))
	return nil
}

// score runs both scorers in parallel. Panics and errors degrade to
// conservative neutral results.
func (p *Pipeline) score(ctx context.Context, logger *zap.Logger, e *event.SecurityEvent) (*threat.Result, *compliance.Result) {
	var (
		wg           sync.WaitGroup
		threatResult *threat.Result
		compResult   *compliance.Result
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer p.recoverScorer(logger, "threat", func() { threatResult = threat.NeutralResult() })

		result, err := p.threats.Analyze(ctx, e)
		if err != nil {
			p.errored.Add(1)
			if p.metrics != nil {
				p.metrics.ScorerErrors.WithLabelValues("threat").Inc()
			}
			logger.Warn("Threat analysis degraded", zap.Error(err))
		}
		if result == nil {
			result = threat.NeutralResult()
		}
		threatResult = result
	}()
	go func() {
		defer wg.Done()
		defer p.recoverScorer(logger, "compliance", func() { compResult = compliance.CompliantResult() })

		compResult = p.compliance.Check(e.PayloadText())
	}()
	wg.Wait()

	if threatResult == nil {
		threatResult = threat.NeutralResult()
	}
	if compResult == nil {
		compResult = compliance.CompliantResult()
	}

	// A policy violation found by pattern matching marks the event
	// non-compliant even when the principle rubric saw nothing.
	if !threatResult.ConstitutionalCompliant {
		compResult.Compliant = false
	}

	if threatResult.IsThreat {
		p.detected.Add(1)
		if p.metrics != nil {
			p.metrics.ThreatsDetected.WithLabelValues(threatResult.Severity.String()).Inc()
		}
	}
	if !compResult.Compliant && p.metrics != nil {
		p.metrics.Violations.Inc()
	}

	return threatResult, compResult
}

func (p *Pipeline) recoverScorer(logger *zap.Logger, name string, fallback func()) {
	if r := recover(); r != nil {
		p.errored.Add(1)
		if p.metrics != nil {
			p.metrics.ScorerErrors.WithLabelValues(name).Inc()
		}
		logger.Error("Scorer panicked, using neutral result",
			zap.String("scorer", name),
			zap.Any("panic", r))
		fallback()
	}
}

func (p *Pipeline) raiseAlerts(ctx context.Context, logger *zap.Logger, e *event.SecurityEvent, entryID string, tr *threat.Result, cr *compliance.Result) {
	if p.dispatcher == nil {
		return
	}

	if tr.IsThreat {
		a := alert.New(alert.TypeThreat, tr.Severity, e.Source.IP,
			"Threat detected", tr.Describe()).
			With("eventId", e.ID).
			With("entryId", entryID).
			With("threatTypes", tr.ThreatTypes).
			With("confidence", tr.Confidence)
		if sent, err := p.dispatcher.Notify(ctx, a); err != nil {
			logger.Error("Threat alert dispatch failed", zap.Error(err))
		} else if !sent && p.metrics != nil {
			p.metrics.AlertsDropped.Inc()
		} else if sent && p.metrics != nil {
			p.metrics.AlertsSent.WithLabelValues(string(alert.TypeThreat)).Inc()
		}
	}

	if !cr.Compliant {
		severity := worstViolationSeverity(cr)
		a := alert.New(alert.TypeCompliance, severity, complianceIdentifier(e),
			"Compliance violation", fmt.Sprintf("%d principle(s) violated, score %.2f", len(cr.Violations), cr.Score)).
			With("eventId", e.ID).
			With("entryId", entryID).
			With("violations", cr.Violations)
		if sent, err := p.dispatcher.Notify(ctx, a); err != nil {
			logger.Error("Compliance alert dispatch failed", zap.Error(err))
		} else if !sent && p.metrics != nil {
			p.metrics.AlertsDropped.Inc()
		} else if sent && p.metrics != nil {
			p.metrics.AlertsSent.WithLabelValues(string(alert.TypeCompliance)).Inc()
		}
	}
}

func worstViolationSeverity(cr *compliance.Result) event.Severity {
	worst := event.SeverityLow
	for _, v := range cr.Violations {
		if v.Severity > worst {
			worst = v.Severity
		}
	}
	// A non-compliant result with no itemized violations came from the
	// policy-violation pattern override.
	if len(cr.Violations) == 0 && !cr.Compliant {
		worst = event.SeverityCritical
	}
	return worst
}

func complianceIdentifier(e *event.SecurityEvent) string {
	if e.Metadata != nil {
		if id, ok := e.Metadata["userId"].(string); ok && id != "" {
			return id
		}
	}
	return e.Source.IP
}

// Processed reports events accepted into the pipeline.
func (p *Pipeline) Processed() uint64 { return p.processed.Load() }

// Rejected reports events dropped by validation.
func (p *Pipeline) Rejected() uint64 { return p.rejected.Load() }

// Errored reports internal scorer and persistence failures.
func (p *Pipeline) Errored() uint64 { return p.errored.Load() }

// ThreatsDetected reports events flagged as threats.
func (p *Pipeline) ThreatsDetected() uint64 { return p.detected.Load() }

// BufferDepth reports audit entries awaiting flush.
func (p *Pipeline) BufferDepth() int {
	if p.trail == nil {
		return 0
	}
	return p.trail.BufferDepth()
}

// AlertRecorder adapts the audit trail to the alert audit channel:
// dispatched alerts become system events in the tamper-evident history.
type AlertRecorder struct {
	Trail *audit.Trail
}

// RecordAlert writes the alert into the audit trail.
func (r *AlertRecorder) RecordAlert(a *alert.Alert) error {
	e := &event.SecurityEvent{
		ID:        a.ID,
		Timestamp: a.Timestamp,
		Type:      event.TypeSystem,
		Source:    event.Source{IP: "127.0.0.1"},
		Data: map[string]interface{}{
			"alertType":  string(a.Type),
			"identifier": a.Identifier,
			"title":      a.Title,
			"message":    a.Message,
		},
		Metadata: map[string]interface{}{"alert": true},
	}
	_, err := r.Trail.Record(e, nil, a.Severity)
	return err
}
