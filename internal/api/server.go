package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/monitor"
)

// EventProcessor accepts events into the pipeline.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, e *event.SecurityEvent) error
}

// AuditReader is the read-only slice of the audit trail the API exposes.
type AuditReader interface {
	Search(ctx context.Context, criteria audit.SearchCriteria) ([]*audit.Entry, error)
	Violations(ctx context.Context, status string, limit int) ([]*audit.ViolationRecord, error)
	UpdateViolationStatus(ctx context.Context, id, status string) error
}

// HealthReader serves recent health snapshots.
type HealthReader interface {
	Latest(ctx context.Context) (*monitor.Snapshot, error)
	History(ctx context.Context, limit int) ([]*monitor.Snapshot, error)
}

// Server is the inbound HTTP boundary.
type Server struct {
	logger   *zap.Logger
	cfg      config.APIConfig
	pipeline EventProcessor
	trail    AuditReader
	health   HealthReader

	server *http.Server
}

// NewServer wires routes and middleware.
func NewServer(logger *zap.Logger, cfg config.APIConfig, pipeline EventProcessor, trail AuditReader, health HealthReader) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		pipeline: pipeline,
		trail:    trail,
		health:   health,
	}

	router := mux.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newRateLimiter(cfg.RateLimit, cfg.RateBurst).middleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/recent", s.handleRecentMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/audit/search", s.handleAuditSearch).Methods(http.MethodGet)
	v1.HandleFunc("/violations", s.handleViolations).Methods(http.MethodGet)
	v1.HandleFunc("/violations/{id}", s.handleViolationUpdate).Methods(http.MethodPatch)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("tls", s.cfg.EnableTLS))

	var err error
	if s.cfg.EnableTLS {
		err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
