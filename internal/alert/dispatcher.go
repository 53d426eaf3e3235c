package alert

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/store"
)

const cooldownKeyFormat = "alert:cooldown:%s:%s"

// Dispatcher fans alerts out to the configured channels. Cooldown state
// lives in the shared KV store: the first notification for a given
// (type, identifier) sets a TTL marker atomically, later ones inside the
// window are dropped, not queued.
type Dispatcher struct {
	logger   *zap.Logger
	kv       store.KV
	cfg      config.AlertConfig
	channels []Channel
	routes   map[Type][]Channel

	mu         sync.Mutex
	dispatched uint64
	suppressed uint64
}

// NewDispatcher builds a dispatcher. The log channel is always present;
// email, webhook and audit channels join when configured. Each alert
// type routes to its configured channel subset; types without a route
// fan out to every configured channel.
func NewDispatcher(logger *zap.Logger, kv store.KV, cfg config.AlertConfig, recorder AuditRecorder) *Dispatcher {
	byName := map[string]Channel{
		"log": &logChannel{logger: logger},
	}
	if cfg.SMTPHost != "" && cfg.SMTPTo != "" {
		byName["email"] = &emailChannel{cfg: cfg}
	}
	if cfg.WebhookURL != "" {
		byName["webhook"] = &webhookChannel{
			cfg:    cfg,
			client: &http.Client{Timeout: cfg.SendTimeout},
		}
	}
	if recorder != nil {
		byName["audit"] = &auditChannel{recorder: recorder}
	}

	var channels []Channel
	for _, name := range []string{"log", "email", "webhook", "audit"} {
		if ch, ok := byName[name]; ok {
			channels = append(channels, ch)
		}
	}

	routes := make(map[Type][]Channel)
	for alertType, names := range map[Type][]string{
		TypeThreat:     cfg.ThreatChannels,
		TypeCompliance: cfg.ComplianceChannels,
		TypeIntegrity:  cfg.IntegrityChannels,
		TypeSystem:     cfg.SystemChannels,
	} {
		for _, name := range names {
			ch, ok := byName[name]
			if !ok {
				logger.Warn("Ignoring unknown or unconfigured alert channel",
					zap.String("alertType", string(alertType)),
					zap.String("channel", name))
				continue
			}
			routes[alertType] = append(routes[alertType], ch)
		}
	}

	return &Dispatcher{
		logger:   logger,
		kv:       kv,
		cfg:      cfg,
		channels: channels,
		routes:   routes,
	}
}

// Notify dispatches the alert unless its (type, identifier) cooldown is
// active. Integrity failures and critical compliance violations bypass
// the cooldown entirely. Returns true when the alert went out.
func (d *Dispatcher) Notify(ctx context.Context, a *Alert) (bool, error) {
	if !a.BypassesCooldown() {
		allowed, err := d.enterCooldown(ctx, a)
		if err != nil {
			// A cooldown store failure must not silence alerting.
			d.logger.Warn("Cooldown check failed, dispatching anyway",
				zap.String("alertId", a.ID), zap.Error(err))
		} else if !allowed {
			d.mu.Lock()
			d.suppressed++
			d.mu.Unlock()
			d.logger.Debug("Alert suppressed by cooldown",
				zap.String("type", string(a.Type)),
				zap.String("identifier", a.Identifier))
			return false, nil
		}
	}

	d.dispatch(ctx, a)

	d.mu.Lock()
	d.dispatched++
	d.mu.Unlock()
	return true, nil
}

// enterCooldown atomically claims the cooldown slot. Returns false when
// another notification already holds it.
func (d *Dispatcher) enterCooldown(ctx context.Context, a *Alert) (bool, error) {
	key := fmt.Sprintf(cooldownKeyFormat, a.Type, a.Identifier)
	return d.kv.SetNX(ctx, key, a.ID, d.cooldownFor(a.Type))
}

func (d *Dispatcher) cooldownFor(t Type) time.Duration {
	switch t {
	case TypeThreat:
		return d.cfg.ThreatCooldown
	case TypeCompliance:
		return d.cfg.ComplianceCooldown
	case TypeSystem:
		return d.cfg.SystemCooldown
	default:
		return d.cfg.ThreatCooldown
	}
}

// channelsFor resolves the channel set serving an alert type.
func (d *Dispatcher) channelsFor(t Type) []Channel {
	if routed := d.routes[t]; len(routed) > 0 {
		return routed
	}
	return d.channels
}

// dispatch fans out concurrently. Each channel gets its own timeout and
// its failure is logged without affecting the others.
func (d *Dispatcher) dispatch(ctx context.Context, a *Alert) {
	var wg sync.WaitGroup
	for _, ch := range d.channelsFor(a.Type) {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, a); err != nil {
				d.logger.Error("Alert channel delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("alertId", a.ID),
					zap.Error(err))
			}
		}(ch)
	}
	wg.Wait()
}

// Stats reports dispatched and suppressed counts.
func (d *Dispatcher) Stats() (dispatched, suppressed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched, d.suppressed
}
