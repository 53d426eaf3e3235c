package threat

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shizukutanaka/Banken/internal/event"
)

const (
	burstWindow       = 5 * time.Minute
	trackedSources    = 4096
	defaultBurstLimit = 50
)

var adminPathPrefixes = []string{
	"/admin", "/wp-admin", "/phpmyadmin", "/manager", "/.env",
	"/config", "/backup", "/cgi-bin", "/api/internal",
}

// activityAnalyzer flags request bursts inside a sliding window, access
// to administrative endpoints and oversized payloads. Per-source windows
// are tracked in a bounded LRU so a scan across many IPs cannot grow
// memory without limit.
type activityAnalyzer struct {
	windows    *lru.Cache[string, *requestWindow]
	burstLimit int
	maxPayload int

	now func() time.Time
}

type requestWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func newActivityAnalyzer(burstLimit, maxPayload int) *activityAnalyzer {
	if burstLimit <= 0 {
		burstLimit = defaultBurstLimit
	}
	if maxPayload <= 0 {
		maxPayload = 100 * 1024
	}
	windows, _ := lru.New[string, *requestWindow](trackedSources)
	return &activityAnalyzer{
		windows:    windows,
		burstLimit: burstLimit,
		maxPayload: maxPayload,
		now:        time.Now,
	}
}

func (a *activityAnalyzer) analyze(e *event.SecurityEvent) []contribution {
	var contributions []contribution

	if count := a.recordAndCount(e.Source.IP); count > a.burstLimit {
		contributions = append(contributions, contribution{
			category:   CategoryDDoSAttempt,
			severity:   event.SeverityHigh,
			confidence: 0.5,
			evidence: map[string]interface{}{
				"ip":            e.Source.IP,
				"requestsIn5m":  count,
				"burstLimit":    a.burstLimit,
			},
		})
	}

	if path := e.RequestPath(); path != "" && isAdminPath(path) {
		contributions = append(contributions, contribution{
			category:   CategoryAdminAccess,
			severity:   event.SeverityMedium,
			confidence: 0.3,
			evidence:   map[string]interface{}{"path": path},
		})
	}

	if size := len(e.PayloadText()); size > a.maxPayload {
		contributions = append(contributions, contribution{
			category:   CategoryOversizedPayload,
			severity:   event.SeverityMedium,
			confidence: 0.3,
			evidence: map[string]interface{}{
				"payloadBytes": size,
				"maxBytes":     a.maxPayload,
			},
		})
	}

	return contributions
}

// recordAndCount appends the current request to the source's window and
// returns the number of requests inside the sliding window.
func (a *activityAnalyzer) recordAndCount(ip string) int {
	window, ok := a.windows.Get(ip)
	if !ok {
		window = &requestWindow{}
		// Benign race: two adders for a fresh IP lose at most one sample.
		a.windows.Add(ip, window)
	}

	now := a.now()
	cutoff := now.Add(-burstWindow)

	window.mu.Lock()
	defer window.mu.Unlock()

	kept := window.times[:0]
	for _, t := range window.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	window.times = append(kept, now)
	return len(window.times)
}

func isAdminPath(path string) bool {
	lower := strings.ToLower(path)
	for _, prefix := range adminPathPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
