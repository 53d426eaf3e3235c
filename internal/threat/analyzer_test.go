package threat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/store"
)

func newTestAnalyzer(t *testing.T, cfg config.ThreatConfig) *Analyzer {
	t.Helper()
	analyzer, err := NewAnalyzer(context.Background(), zap.NewNop(), store.NewMemoryStore(), cfg)
	require.NoError(t, err)
	return analyzer
}

func testEvent(ip string, data map[string]interface{}) *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:        "evt-test",
		Timestamp: time.Date(2026, 3, 12, 14, 30, 0, 0, time.UTC),
		Type:      "http_request",
		Source: event.Source{
			IP:        ip,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0",
		},
		Data: data,
	}
}

func TestAnalyzeCleanEvent(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{RequestRateThreshold: 100})

	result, err := analyzer.Analyze(context.Background(), testEvent("203.0.113.10", map[string]interface{}{
		"path":  "/products/42",
		"query": "color=blue",
	}))
	require.NoError(t, err)

	assert.False(t, result.IsThreat)
	assert.True(t, result.ConstitutionalCompliant)
	assert.Empty(t, result.ThreatTypes)
}

func TestAnalyzeSQLInjection(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{})

	result, err := analyzer.Analyze(context.Background(), testEvent("203.0.113.10", map[string]interface{}{
		"query": "id=1' OR 1=1--",
	}))
	require.NoError(t, err)

	assert.True(t, result.HasCategory(CategorySQLInjection))
	assert.Equal(t, event.SeverityCritical, result.Severity)
	assert.NotNil(t, result.Metadata[CategorySQLInjection])
}

func TestAnalyzeBlacklistedIPForcesThreat(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{
		BlacklistedIPs: []string{"198.51.100.66"},
	})

	result, err := analyzer.Analyze(context.Background(), testEvent("198.51.100.66", map[string]interface{}{
		"path": "/",
	}))
	require.NoError(t, err)

	assert.True(t, result.IsThreat)
	assert.True(t, result.HasCategory(CategoryBlacklistedIP))
	assert.Equal(t, event.SeverityHigh, result.Severity)
}

func TestAnalyzePolicyViolationOverride(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{})

	result, err := analyzer.Analyze(context.Background(), testEvent("203.0.113.10", map[string]interface{}{
		"comment": "they are subhuman and deserve nothing",
	}))
	require.NoError(t, err)

	assert.True(t, result.IsThreat)
	assert.False(t, result.ConstitutionalCompliant)
	assert.True(t, result.HasCategory(CategoryPolicyViolation))
	assert.Equal(t, event.SeverityCritical, result.Severity)
}

func TestAnalyzeDeterministic(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{})
	e := testEvent("203.0.113.10", map[string]interface{}{
		"query": "<script>document.cookie</script>",
	})

	first, err := analyzer.Analyze(context.Background(), e)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		// Fresh analyzer so behavioral counters do not accumulate.
		again, err := newTestAnalyzer(t, config.ThreatConfig{}).Analyze(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, first.IsThreat, again.IsThreat)
		assert.Equal(t, first.Severity, again.Severity)
		assert.InDelta(t, first.Confidence, again.Confidence, 1e-9)
		assert.ElementsMatch(t, first.ThreatTypes, again.ThreatTypes)
	}
}

func TestMergeSeverityIsOrdinalMax(t *testing.T) {
	result := merge([]contribution{
		{category: "a", severity: event.SeverityLow, confidence: 0.2},
		{category: "b", severity: event.SeverityHigh, confidence: 0.2},
		{category: "c", severity: event.SeverityMedium, confidence: 0.1},
	})
	assert.Equal(t, event.SeverityHigh, result.Severity)
}

func TestMergeLowTierRequiresThreeCategories(t *testing.T) {
	two := merge([]contribution{
		{category: "a", severity: event.SeverityLow, confidence: 0.2},
		{category: "b", severity: event.SeverityLow, confidence: 0.15},
	})
	assert.False(t, two.IsThreat)

	three := merge([]contribution{
		{category: "a", severity: event.SeverityLow, confidence: 0.2},
		{category: "b", severity: event.SeverityLow, confidence: 0.15},
		{category: "c", severity: event.SeverityLow, confidence: 0.05},
	})
	assert.True(t, three.IsThreat)
}

func TestMergeConfidenceClamped(t *testing.T) {
	result := merge([]contribution{
		{category: "a", severity: event.SeverityHigh, confidence: 0.8},
		{category: "b", severity: event.SeverityHigh, confidence: 0.8},
	})
	assert.Equal(t, 1.0, result.Confidence)
	assert.True(t, result.IsThreat)
	assert.Equal(t, event.SeverityHigh, result.Severity)
}

func TestMergeSeverityNotLiftedByConfidence(t *testing.T) {
	// Accumulated confidence decides whether the event is a threat, never
	// the reported severity: that stays the ordinal max of the categories.
	result := merge([]contribution{
		{category: "a", severity: event.SeverityMedium, confidence: 0.5},
		{category: "b", severity: event.SeverityMedium, confidence: 0.5},
	})
	assert.True(t, result.IsThreat)
	assert.Equal(t, event.SeverityMedium, result.Severity)
}

func TestMergeDuplicateCategoryCountedOnce(t *testing.T) {
	result := merge([]contribution{
		{category: "a", severity: event.SeverityLow, confidence: 0.2},
		{category: "a", severity: event.SeverityLow, confidence: 0.2},
	})
	assert.InDelta(t, 0.2, result.Confidence, 1e-9)
	assert.Len(t, result.ThreatTypes, 1)
}

func TestRateLimitContribution(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{RequestRateThreshold: 5})
	e := testEvent("203.0.113.77", map[string]interface{}{"path": "/"})

	var last *Result
	for i := 0; i < 7; i++ {
		result, err := analyzer.Analyze(context.Background(), e)
		require.NoError(t, err)
		last = result
	}
	assert.True(t, last.HasCategory(CategoryRateLimitExceeded))
}

func TestBurstWindowContribution(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{
		RequestRateThreshold: 10000,
		BurstWindowThreshold: 3,
	})
	e := testEvent("203.0.113.88", map[string]interface{}{"path": "/"})

	var last *Result
	for i := 0; i < 5; i++ {
		result, err := analyzer.Analyze(context.Background(), e)
		require.NoError(t, err)
		last = result
	}
	assert.True(t, last.HasCategory(CategoryDDoSAttempt))
}

func TestAdminPathContribution(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{})

	result, err := analyzer.Analyze(context.Background(), testEvent("203.0.113.10", map[string]interface{}{
		"path": "/wp-admin/setup.php",
	}))
	require.NoError(t, err)
	assert.True(t, result.HasCategory(CategoryAdminAccess))
}

func TestSuspiciousUserAgent(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{})
	e := testEvent("203.0.113.10", map[string]interface{}{"path": "/"})
	e.Source.UserAgent = "sqlmap/1.7"

	result, err := analyzer.Analyze(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, result.HasCategory(CategorySuspiciousAgent))
}

func TestHighRiskGeoContribution(t *testing.T) {
	analyzer := newTestAnalyzer(t, config.ThreatConfig{
		HighRiskCountries: []string{"zz"},
	})

	result, err := analyzer.Analyze(context.Background(), testEvent("192.0.2.44", map[string]interface{}{
		"path": "/",
	}))
	require.NoError(t, err)
	assert.True(t, result.HasCategory(CategoryHighRiskGeo))
}

func TestLoadPatternCategoriesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `categories:
  - category: custom_probe
    severity: high
    confidence: 0.5
    patterns:
      - '(?i)\bprobe-me\b'
`
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o644))

	categories, err := LoadPatternCategories(path)
	require.NoError(t, err)
	require.Len(t, categories, 1)
	assert.Equal(t, "custom_probe", categories[0].Category)
	assert.NotEmpty(t, categories[0].match("please probe-me now"))
}

func TestLoadPatternCategoriesRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules string
	}{
		{"empty file", `categories: []`},
		{"bad severity", "categories:\n  - category: x\n    severity: enormous\n    confidence: 0.5\n    patterns: ['a']"},
		{"bad confidence", "categories:\n  - category: x\n    severity: high\n    confidence: 1.5\n    patterns: ['a']"},
		{"bad regexp", "categories:\n  - category: x\n    severity: high\n    confidence: 0.5\n    patterns: ['(']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.rules), 0o644))
			_, err := LoadPatternCategories(path)
			assert.Error(t, err)
		})
	}
}
