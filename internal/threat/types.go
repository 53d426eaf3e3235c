package threat

import (
	"github.com/shizukutanaka/Banken/internal/event"
)

// Threat categories. Each tag identifies one attack heuristic.
const (
	CategoryBlacklistedIP     = "blacklisted_ip"
	CategoryRateLimitExceeded = "rate_limit_exceeded"
	CategorySuspiciousTiming  = "suspicious_timing"
	CategorySQLInjection      = "sql_injection"
	CategoryXSS               = "xss"
	CategoryCSRFAttempt       = "csrf_attempt"
	CategoryPathTraversal     = "path_traversal"
	CategoryCommandInjection  = "command_injection"
	CategoryPolicyViolation   = "policy_violation"
	CategoryDDoSAttempt       = "ddos_attempt"
	CategoryAdminAccess       = "admin_access_attempt"
	CategoryOversizedPayload  = "oversized_payload"
	CategoryHighRiskGeo       = "high_risk_geo"
	CategoryVPNSource         = "vpn_source"
	CategorySuspiciousAgent   = "suspicious_user_agent"
	CategoryOutdatedBrowser   = "outdated_browser"
)

// Result is the threat analysis for a single event. It is computed fresh
// per event and never mutated after return.
type Result struct {
	IsThreat                bool                              `json:"isThreat"`
	ThreatTypes             []string                          `json:"threatTypes"`
	Severity                event.Severity                    `json:"severity"`
	Confidence              float64                           `json:"confidence"`
	Metadata                map[string]map[string]interface{} `json:"metadata,omitempty"`
	ConstitutionalCompliant bool                              `json:"constitutionalCompliant"`
}

// NeutralResult is the conservative default used when analysis fails and
// ingestion must continue.
func NeutralResult() *Result {
	return &Result{
		IsThreat:                false,
		Severity:                event.SeverityLow,
		Confidence:              0,
		ConstitutionalCompliant: true,
	}
}

// HasCategory reports whether the result matched the given category.
func (r *Result) HasCategory(category string) bool {
	for _, c := range r.ThreatTypes {
		if c == category {
			return true
		}
	}
	return false
}

// contribution is one analyzer finding. Forced contributions make the
// event a threat regardless of the accumulated confidence thresholds.
type contribution struct {
	category   string
	severity   event.Severity
	confidence float64
	forced     bool
	evidence   map[string]interface{}
}

// Decision thresholds: a severity tier is reached when accumulated
// confidence meets its floor; the low tier additionally requires three
// distinct matched categories.
const (
	criticalConfidence = 0.9
	highConfidence     = 0.7
	mediumConfidence   = 0.5
	lowConfidence      = 0.3
	lowTierCategories  = 3
)
