package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/event"
)

// Job is one recurring maintenance task. Two runs of the same job never
// overlap; the later tick is skipped.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	running atomic.Bool
}

// Scheduler drives the maintenance jobs on independent tickers.
type Scheduler struct {
	logger *zap.Logger
	jobs   []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler over the given jobs.
func NewScheduler(logger *zap.Logger, jobs ...*Job) *Scheduler {
	return &Scheduler{logger: logger, jobs: jobs}
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runJob(ctx, job)
				}
			}
		}(job)
		s.logger.Info("Scheduled job", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	}
}

// Stop halts all tickers and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Warn("Job still running, skipping tick", zap.String("job", job.Name))
		return
	}
	defer job.running.Store(false)

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("Job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	s.logger.Debug("Job complete", zap.String("job", job.Name), zap.Duration("took", time.Since(started)))
}

// MaintenanceJobs builds the standard job set: hourly threat scan
// summary, daily report, daily integrity check, weekly retention cleanup.
func MaintenanceJobs(logger *zap.Logger, p *Pipeline, trail *audit.Trail, dispatcher Notifier) []*Job {
	return []*Job{
		{
			Name:     "hourly_threat_scan",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				return hourlyThreatScan(ctx, logger, trail)
			},
		},
		{
			Name:     "daily_report",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				return dailyReport(ctx, logger, p, trail)
			},
		},
		{
			Name:     "daily_integrity_check",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				return DailyIntegrityCheck(ctx, logger, trail, dispatcher, time.Now().UTC().AddDate(0, 0, -1))
			},
		},
		{
			Name:     "weekly_cleanup",
			Interval: 7 * 24 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := trail.Cleanup(ctx)
				return err
			},
		},
	}
}

// hourlyThreatScan summarizes the last hour of high-severity entries.
func hourlyThreatScan(ctx context.Context, logger *zap.Logger, trail *audit.Trail) error {
	since := time.Now().UTC().Add(-time.Hour)
	high := event.SeverityHigh
	entries, err := trail.Search(ctx, audit.SearchCriteria{From: since, Severity: &high})
	if err != nil {
		return err
	}
	critical := event.SeverityCritical
	criticalEntries, err := trail.Search(ctx, audit.SearchCriteria{From: since, Severity: &critical})
	if err != nil {
		return err
	}

	logger.Info("Hourly threat scan",
		zap.Int("highSeverity", len(entries)),
		zap.Int("criticalSeverity", len(criticalEntries)))
	return nil
}

// dailyReport logs pipeline totals and the previous day's audit volume.
func dailyReport(ctx context.Context, logger *zap.Logger, p *Pipeline, trail *audit.Trail) error {
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	report, err := trail.ReportForDay(ctx, yesterday)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Uint64("processed", p.Processed()),
		zap.Uint64("rejected", p.Rejected()),
		zap.Uint64("threatsDetected", p.ThreatsDetected()),
		zap.Uint64("errored", p.Errored()),
	}
	if report != nil {
		fields = append(fields,
			zap.Int("auditedYesterday", report.TotalLogs),
			zap.Float64("integrityScore", report.IntegrityScore))
	}
	logger.Info("Daily security report", fields...)
	return nil
}

// DailyIntegrityCheck verifies one day's audit entries and escalates any
// invalid log as a critical integrity alert, which bypasses cooldown.
func DailyIntegrityCheck(ctx context.Context, logger *zap.Logger, trail *audit.Trail, dispatcher Notifier, day time.Time) error {
	report, err := trail.VerifyDay(ctx, day)
	if err != nil {
		return err
	}

	logger.Info("Daily integrity check",
		zap.String("date", report.Date),
		zap.Int("totalLogs", report.TotalLogs),
		zap.Int("validLogs", report.ValidLogs),
		zap.Int("invalidLogs", report.InvalidLogs),
		zap.Float64("integrityScore", report.IntegrityScore))

	if report.InvalidLogs > 0 && dispatcher != nil {
		a := alert.New(alert.TypeIntegrity, event.SeverityCritical, report.Date,
			"Audit integrity failure",
			"audit entries failed digest verification").
			With("invalidLogs", report.InvalidLogs).
			With("totalLogs", report.TotalLogs).
			With("integrityScore", report.IntegrityScore)
		if _, err := dispatcher.Notify(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
