package threat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
)

const (
	blacklistKey        = "threat:blacklist"
	requestCounterKey   = "threat:reqcount:%s" // per-IP, per-minute bucket
	suspicionKey        = "threat:suspicion:%s"
	suspicionTTL        = 24 * time.Hour
	suspicionThreshold  = 5
	oddHourStart        = 2 // 02:00-05:00 local server time
	oddHourEnd          = 5
)

// reputationAnalyzer scores IP reputation: blacklist membership,
// request rate per minute and odd-hour access combined with a historical
// suspicion score. All state lives in the injected KV store so multiple
// instances share one view.
type reputationAnalyzer struct {
	logger        *zap.Logger
	kv            store.KV
	rateThreshold int

	// now is swappable for tests.
	now func() time.Time
}

func newReputationAnalyzer(logger *zap.Logger, kv store.KV, rateThreshold int) *reputationAnalyzer {
	if rateThreshold <= 0 {
		rateThreshold = 100
	}
	return &reputationAnalyzer{
		logger:        logger,
		kv:            kv,
		rateThreshold: rateThreshold,
		now:           time.Now,
	}
}

// Blacklist seeds the shared blacklist set.
func (a *reputationAnalyzer) Blacklist(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	return a.kv.SetAdd(ctx, blacklistKey, ips...)
}

func (a *reputationAnalyzer) analyze(ctx context.Context, e *event.SecurityEvent) ([]contribution, error) {
	var contributions []contribution
	ip := e.Source.IP

	blacklisted, err := a.kv.SetIsMember(ctx, blacklistKey, ip)
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if blacklisted {
		contributions = append(contributions, contribution{
			category:   CategoryBlacklistedIP,
			severity:   event.SeverityHigh,
			confidence: 0.9,
			forced:     true,
			evidence:   map[string]interface{}{"ip": ip},
		})
	}

	count, err := a.countRequest(ctx, ip)
	if err != nil {
		return contributions, fmt.Errorf("request counter: %w", err)
	}
	if count > int64(a.rateThreshold) {
		contributions = append(contributions, contribution{
			category:   CategoryRateLimitExceeded,
			severity:   event.SeverityMedium,
			confidence: 0.4,
			evidence: map[string]interface{}{
				"ip":                ip,
				"requestsPerMinute": count,
				"threshold":         a.rateThreshold,
			},
		})
		a.raiseSuspicion(ctx, ip)
	}

	if a.isOddHour(e.Timestamp) {
		suspicion := a.suspicionScore(ctx, ip)
		if suspicion >= suspicionThreshold {
			contributions = append(contributions, contribution{
				category:   CategorySuspiciousTiming,
				severity:   event.SeverityMedium,
				confidence: 0.3,
				evidence: map[string]interface{}{
					"ip":        ip,
					"hour":      e.Timestamp.Hour(),
					"suspicion": suspicion,
				},
			})
		}
	}

	return contributions, nil
}

// countRequest increments the per-minute request bucket for the IP.
func (a *reputationAnalyzer) countRequest(ctx context.Context, ip string) (int64, error) {
	key := fmt.Sprintf(requestCounterKey, ip)
	count, err := a.kv.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := a.kv.Expire(ctx, key, time.Minute); err != nil {
			a.logger.Warn("Failed to set counter expiry", zap.String("key", key), zap.Error(err))
		}
	}
	return count, nil
}

func (a *reputationAnalyzer) raiseSuspicion(ctx context.Context, ip string) {
	key := fmt.Sprintf(suspicionKey, ip)
	count, err := a.kv.Incr(ctx, key)
	if err != nil {
		a.logger.Warn("Failed to raise suspicion", zap.String("ip", ip), zap.Error(err))
		return
	}
	if count == 1 {
		_ = a.kv.Expire(ctx, key, suspicionTTL)
	}
}

func (a *reputationAnalyzer) suspicionScore(ctx context.Context, ip string) int64 {
	val, err := a.kv.Get(ctx, fmt.Sprintf(suspicionKey, ip))
	if err != nil {
		return 0
	}
	var score int64
	fmt.Sscanf(val, "%d", &score)
	return score
}

func (a *reputationAnalyzer) isOddHour(ts time.Time) bool {
	hour := ts.Hour()
	return hour >= oddHourStart && hour <= oddHourEnd
}
