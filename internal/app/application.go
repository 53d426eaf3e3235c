package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/alert"
	"github.com/shizukutanaka/Banken/internal/api"
	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/compliance"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/ingest"
	"github.com/shizukutanaka/Banken/internal/monitor"
	"github.com/shizukutanaka/Banken/internal/pipeline"
	"github.com/shizukutanaka/Banken/internal/store"
	"github.com/shizukutanaka/Banken/internal/threat"
)

const shutdownTimeout = 30 * time.Second

// Application assembles and supervises every Banken component.
type Application struct {
	logger *zap.Logger
	cfg    *config.Config

	kv         store.KV
	auditStore *audit.Store
	trail      *audit.Trail
	dispatcher *alert.Dispatcher
	pipeline   *pipeline.Pipeline
	scheduler  *pipeline.Scheduler
	monitor    *monitor.Monitor
	server     *api.Server
	consumer   *ingest.Consumer
	metrics    *monitor.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components from config. Nothing starts until Start.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Application, error) {
	a := &Application{logger: logger, cfg: cfg}

	// Shared cache/counter store: Redis when configured, in-process
	// otherwise.
	if cfg.Redis.Addr != "" {
		kv, err := store.NewRedisStore(logger, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect cache store: %w", err)
		}
		a.kv = kv
	} else {
		logger.Info("No redis configured, using in-process store")
		a.kv = store.NewMemoryStore()
	}

	auditStore, err := audit.OpenStore(logger.Named("audit"), cfg.Audit.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.auditStore = auditStore

	trail, err := audit.NewTrail(logger.Named("audit"), auditStore, cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.trail = trail

	a.dispatcher = alert.NewDispatcher(logger.Named("alert"), a.kv, cfg.Alerting,
		&pipeline.AlertRecorder{Trail: trail})

	analyzer, err := threat.NewAnalyzer(ctx, logger.Named("threat"), a.kv, cfg.Threat)
	if err != nil {
		return nil, err
	}

	principles := compliance.DefaultPrinciples()
	if cfg.Compliance.RulesFile != "" {
		principles, err = compliance.LoadPrinciples(cfg.Compliance.RulesFile)
		if err != nil {
			return nil, err
		}
	}
	checker := compliance.NewChecker(logger.Named("compliance"), principles)

	a.metrics = monitor.NewMetrics(logger.Named("metrics"))
	a.pipeline = pipeline.New(logger.Named("pipeline"), analyzer, checker, trail, a.dispatcher, a.metrics)

	a.monitor = monitor.New(logger.Named("monitor"), cfg.Monitor, a.kv,
		nil, a.pipeline, a.dispatcher, a.metrics)

	a.scheduler = pipeline.NewScheduler(logger.Named("scheduler"),
		pipeline.MaintenanceJobs(logger.Named("jobs"), a.pipeline, trail, a.dispatcher)...)

	if cfg.API.Enabled {
		a.server = api.NewServer(logger.Named("api"), cfg.API, a.pipeline, trail, a.monitor)
	}
	if cfg.Ingest.Enabled {
		a.consumer = ingest.NewConsumer(logger.Named("ingest"), cfg.Ingest, a.pipeline)
	}

	return a, nil
}

// Start brings every component up. Failures during startup stop what has
// already started.
func (a *Application) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.trail.Start(ctx)
	a.monitor.Start(ctx)
	a.scheduler.Start(ctx)

	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			a.Stop()
			return fmt.Errorf("failed to start event ingest: %w", err)
		}
	}

	if a.server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.server.Start(); err != nil {
				a.logger.Error("API server failed", zap.Error(err))
			}
		}()
	}

	a.logger.Info("Banken started",
		zap.Bool("api", a.server != nil),
		zap.Bool("ingest", a.consumer != nil),
		zap.Bool("encryption", a.cfg.Audit.EncryptPayloads))
	return nil
}

// Stop shuts components down in reverse order, flushing the audit buffer
// before the store closes.
func (a *Application) Stop() {
	a.logger.Info("Banken shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("API shutdown error", zap.Error(err))
		}
	}
	if a.consumer != nil {
		a.consumer.Stop()
	}

	a.scheduler.Stop()
	a.monitor.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	// Trail last among processors so in-flight entries flush.
	a.trail.Stop()

	if err := a.auditStore.Close(); err != nil {
		a.logger.Warn("Audit store close error", zap.Error(err))
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("Cache store close error", zap.Error(err))
	}
	a.logger.Info("Banken stopped")
}

// Pipeline exposes the orchestrator, for commands that feed events
// directly.
func (a *Application) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Trail exposes the audit trail, for maintenance commands.
func (a *Application) Trail() *audit.Trail { return a.trail }

// Dispatcher exposes the alert dispatcher.
func (a *Application) Dispatcher() *alert.Dispatcher { return a.dispatcher }
