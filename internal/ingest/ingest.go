package ingest

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
)

// EventProcessor accepts events into the pipeline.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, e *event.SecurityEvent) error
}

// Consumer feeds events from a NATS subject into the pipeline. Multiple
// instances share the queue group so each event is processed once.
type Consumer struct {
	logger   *zap.Logger
	cfg      config.IngestConfig
	pipeline EventProcessor

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewConsumer builds a consumer; Start connects.
func NewConsumer(logger *zap.Logger, cfg config.IngestConfig, pipeline EventProcessor) *Consumer {
	return &Consumer{logger: logger, cfg: cfg, pipeline: pipeline}
}

// Start connects to NATS and subscribes on the configured subject.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.NATSURL,
		nats.Name("banken-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", zap.String("url", conn.ConnectedUrl()))
		}))
	if err != nil {
		return err
	}
	c.conn = conn

	sub, err := conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		conn.Close()
		return err
	}
	c.sub = sub

	c.logger.Info("Event ingest subscribed",
		zap.String("subject", c.cfg.Subject),
		zap.String("queue", c.cfg.Queue))
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var e event.SecurityEvent
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		c.logger.Warn("Dropping undecodable event message",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	if err := c.pipeline.ProcessEvent(ctx, &e); err != nil {
		// Validation failures are terminal; the message is not redelivered.
		c.logger.Warn("Ingested event rejected",
			zap.String("eventId", e.ID), zap.Error(err))
	}
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain subscription", zap.Error(err))
		}
	}
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
	c.logger.Info("Event ingest stopped")
}
