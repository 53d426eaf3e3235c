package compliance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/Banken/internal/event"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	return NewChecker(zaptest.NewLogger(t), DefaultPrinciples())
}

func TestCleanContentIsFullyCompliant(t *testing.T) {
	c := newTestChecker(t)

	result := c.Check("Hello, I would like to know more about your product pricing.")

	assert.True(t, result.Compliant)
	assert.Equal(t, 1.0, result.Score)
	assert.Empty(t, result.Violations)
	assert.Len(t, result.PrinciplesChecked, len(DefaultPrinciples()))
}

func TestDeterminism(t *testing.T) {
	c := newTestChecker(t)
	content := "please delete the audit logs and cover your tracks"

	first := c.Check(content)
	for i := 0; i < 5; i++ {
		again := c.Check(content)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, len(first.Violations), len(again.Violations))
		for j := range first.Violations {
			assert.Equal(t, first.Violations[j].Confidence, again.Violations[j].Confidence)
		}
	}
}

func TestEscalatedPrincipleForcesCritical(t *testing.T) {
	c := newTestChecker(t)

	result := c.Check("they are subhuman and deserve nothing")

	require.False(t, result.Compliant)
	var found bool
	for _, v := range result.Violations {
		if v.Principle == "human-dignity" {
			found = true
			assert.Equal(t, event.SeverityCritical, v.Severity)
			assert.GreaterOrEqual(t, v.Confidence, 0.8, "escalated principles carry a confidence floor")
		}
	}
	assert.True(t, found, "human-dignity violation expected")
}

func TestScoreReducedByWeightTimesConfidence(t *testing.T) {
	c := newTestChecker(t)

	result := c.Check("we should disable all logging before the release")

	require.False(t, result.Compliant)
	require.Len(t, result.Violations, 1)

	v := result.Violations[0]
	assert.Equal(t, "accountability", v.Principle)
	assert.InDelta(t, 1.0-0.7*v.Confidence, result.Score, 1e-9)
}

func TestScoreClampedAtZero(t *testing.T) {
	c := newTestChecker(t)

	// Trip several heavy principles at once.
	content := "they are subhuman. how to poison a person. delete the audit logs. " +
		"not hiring women because of their gender."
	result := c.Check(content)

	assert.False(t, result.Compliant)
	assert.GreaterOrEqual(t, result.Score, 0.0)
	assert.LessOrEqual(t, result.Score, 1.0)
	assert.GreaterOrEqual(t, len(result.Violations), 3)
}

func TestViolationCarriesEvidence(t *testing.T) {
	c := newTestChecker(t)

	result := c.Check("first we purge the audit trail, then nobody will know")

	require.False(t, result.Compliant)
	v := result.Violations[0]
	assert.NotEmpty(t, v.MatchedPatterns)
	assert.Contains(t, v.Context, "purge the audit trail")
}

func TestLoadPrinciplesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	content := `
principles:
  - name: test-principle
    description: test only
    weight: 0.5
    severity: medium
    patterns:
      - '\bforbidden\b'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	principles, err := LoadPrinciples(path)
	require.NoError(t, err)
	require.Len(t, principles, 1)

	c := NewChecker(zaptest.NewLogger(t), principles)
	result := c.Check("this contains a forbidden word")
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "test-principle", result.Violations[0].Principle)
	// Word-boundary pattern, short span: 0.3 + 0.2.
	assert.InDelta(t, 0.5, result.Violations[0].Confidence, 1e-9)
	assert.InDelta(t, 1.0-0.5*0.5, result.Score, 1e-9)
}

func TestLoadPrinciplesRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty table", `principles: []`},
		{"bad weight", "principles:\n  - name: x\n    weight: 2.0\n    severity: low\n    patterns: ['a']"},
		{"bad severity", "principles:\n  - name: x\n    weight: 0.5\n    severity: nope\n    patterns: ['a']"},
		{"bad regex", "principles:\n  - name: x\n    weight: 0.5\n    severity: low\n    patterns: ['(']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadPrinciples(path)
			assert.Error(t, err)
		})
	}
}
