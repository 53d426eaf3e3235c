package threat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/errors"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
)

// Analyzer scores security events against the payload rule tables and
// the behavioral analyzers. Analysis is deterministic for a fixed event
// and store state: the same input always yields the same result.
type Analyzer struct {
	logger     *zap.Logger
	categories []*PatternCategory
	reputation *reputationAnalyzer
	activity   *activityAnalyzer
	geo        *geoAnalyzer
	agent      *agentAnalyzer
}

// NewAnalyzer builds the analyzer from config. Pattern tables come from
// the rules file when one is configured, otherwise the built-in tables.
// Configured blacklist entries are seeded into the shared store.
func NewAnalyzer(ctx context.Context, logger *zap.Logger, kv store.KV, cfg config.ThreatConfig) (*Analyzer, error) {
	categories := DefaultPatternCategories()
	if cfg.RulesFile != "" {
		loaded, err := LoadPatternCategories(cfg.RulesFile)
		if err != nil {
			return nil, errors.Configuration("THREAT_RULES_LOAD", "failed to load threat rules").Wrap(err)
		}
		categories = loaded
		logger.Info("Loaded threat rules from file",
			zap.String("path", cfg.RulesFile),
			zap.Int("categories", len(loaded)))
	}

	reputation := newReputationAnalyzer(logger, kv, cfg.RequestRateThreshold)
	if err := reputation.Blacklist(ctx, cfg.BlacklistedIPs...); err != nil {
		return nil, errors.Persistence("THREAT_BLACKLIST_SEED", "failed to seed IP blacklist").Wrap(err)
	}

	return &Analyzer{
		logger:     logger,
		categories: categories,
		reputation: reputation,
		activity:   newActivityAnalyzer(cfg.BurstWindowThreshold, cfg.MaxPayloadBytes),
		geo:        newGeoAnalyzer(logger, cfg.HighRiskCountries, nil),
		agent:      newAgentAnalyzer(),
	}, nil
}

// Blacklist adds IPs to the shared blacklist at runtime.
func (a *Analyzer) Blacklist(ctx context.Context, ips ...string) error {
	return a.reputation.Blacklist(ctx, ips...)
}

// Analyze scores one event. A store failure aborts the reputation checks
// but pattern and local analyzers still contribute; the error is
// returned alongside the partial result so the caller can decide.
func (a *Analyzer) Analyze(ctx context.Context, e *event.SecurityEvent) (*Result, error) {
	contributions := a.matchPatterns(e)

	repContribs, repErr := a.reputation.analyze(ctx, e)
	contributions = append(contributions, repContribs...)

	contributions = append(contributions, a.activity.analyze(e)...)
	contributions = append(contributions, a.geo.analyze(e)...)
	contributions = append(contributions, a.agent.analyze(e)...)

	result := merge(contributions)
	if repErr != nil {
		return result, errors.Scorer("THREAT_REPUTATION", "reputation analysis degraded").Wrap(repErr)
	}
	return result, nil
}

// matchPatterns runs every rule table against the event payload text.
func (a *Analyzer) matchPatterns(e *event.SecurityEvent) []contribution {
	text := e.PayloadText()
	if text == "" {
		return nil
	}

	var contributions []contribution
	for _, cat := range a.categories {
		matched := cat.match(text)
		if len(matched) == 0 {
			continue
		}
		contributions = append(contributions, contribution{
			category:   cat.Category,
			severity:   cat.Severity,
			confidence: cat.Confidence,
			forced:     cat.Category == CategoryPolicyViolation,
			evidence: map[string]interface{}{
				"matchedPatterns": matched,
			},
		})
	}
	return contributions
}

// merge folds analyzer contributions into one result. Confidence is the
// clamped sum of contributions, severity the ordinal maximum across
// matched categories. The threat decision follows the tier table, except
// forced contributions which make the event a threat unconditionally.
func merge(contributions []contribution) *Result {
	result := NeutralResult()
	if len(contributions) == 0 {
		return result
	}

	seen := make(map[string]struct{}, len(contributions))
	var confidence float64
	severity := event.SeverityLow
	forced := false

	for _, c := range contributions {
		if _, dup := seen[c.category]; !dup {
			seen[c.category] = struct{}{}
			result.ThreatTypes = append(result.ThreatTypes, c.category)
			confidence += c.confidence
		}
		if c.severity > severity {
			severity = c.severity
		}
		if c.forced {
			forced = true
		}
		if c.evidence != nil {
			if result.Metadata == nil {
				result.Metadata = make(map[string]map[string]interface{})
			}
			result.Metadata[c.category] = c.evidence
		}
		if c.category == CategoryPolicyViolation {
			result.ConstitutionalCompliant = false
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	result.Confidence = confidence
	result.Severity = severity

	switch {
	case forced:
		result.IsThreat = true
	case confidence >= criticalConfidence:
		result.IsThreat = true
	case confidence >= highConfidence:
		result.IsThreat = true
	case confidence >= mediumConfidence:
		result.IsThreat = true
	case confidence >= lowConfidence && len(result.ThreatTypes) >= lowTierCategories:
		result.IsThreat = true
	}

	return result
}

// Describe renders a short human summary for alert bodies.
func (r *Result) Describe() string {
	if !r.IsThreat {
		return "no threat detected"
	}
	return fmt.Sprintf("%s threat (confidence %.2f): %v", r.Severity, r.Confidence, r.ThreatTypes)
}
