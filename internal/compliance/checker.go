package compliance

import (
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/event"
)

// Violation records a single violated principle with its evidence.
type Violation struct {
	Principle       string         `json:"principle"`
	Description     string         `json:"description"`
	Severity        event.Severity `json:"severity"`
	Confidence      float64        `json:"confidence"`
	MatchedPatterns []string       `json:"matchedPatterns"`
	Context         string         `json:"context"`
}

// Result is the outcome of a compliance check. A score of 1.0 means fully
// compliant; each violated principle subtracts weight x confidence.
type Result struct {
	Compliant         bool        `json:"compliant"`
	Violations        []Violation `json:"violations"`
	Score             float64     `json:"score"`
	PrinciplesChecked []string    `json:"principlesChecked"`
}

// CompliantResult returns the neutral result used when scoring fails and
// the pipeline must continue.
func CompliantResult() *Result {
	return &Result{Compliant: true, Score: 1.0}
}

// Per-match confidence contributions. The rubric is deterministic by
// construction: identical content always produces identical scores.
const (
	baseMatchConfidence      = 0.3
	wordBoundaryBonus        = 0.2
	longMatchBonus           = 0.1
	longMatchSpan            = 10
	escalatedConfidenceFloor = 0.8
)

// Checker evaluates content against the principle table.
type Checker struct {
	logger     *zap.Logger
	principles []*Principle
}

// NewChecker creates a compliance checker over the given principle table.
func NewChecker(logger *zap.Logger, principles []*Principle) *Checker {
	if len(principles) == 0 {
		principles = DefaultPrinciples()
	}
	return &Checker{logger: logger, principles: principles}
}

// Check evaluates the content and returns a compliance result.
func (c *Checker) Check(content string) *Result {
	result := &Result{
		Compliant:         true,
		Score:             1.0,
		PrinciplesChecked: make([]string, 0, len(c.principles)),
	}

	for _, principle := range c.principles {
		result.PrinciplesChecked = append(result.PrinciplesChecked, principle.Name)

		violation, ok := c.evaluate(principle, content)
		if !ok {
			continue
		}

		result.Violations = append(result.Violations, violation)
		result.Score -= principle.Weight * violation.Confidence
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	result.Compliant = len(result.Violations) == 0

	if !result.Compliant {
		c.logger.Warn("Compliance violations detected",
			zap.Int("violations", len(result.Violations)),
			zap.Float64("score", result.Score),
		)
	}

	return result
}

func (c *Checker) evaluate(principle *Principle, content string) (Violation, bool) {
	confidence := 0.0
	var matched []string
	var context string

	for _, pattern := range principle.patterns {
		loc := pattern.re.FindStringIndex(content)
		if loc == nil {
			continue
		}

		conf := baseMatchConfidence
		if pattern.wordBoundary {
			conf += wordBoundaryBonus
		}
		if loc[1]-loc[0] > longMatchSpan {
			conf += longMatchBonus
		}

		confidence += conf
		matched = append(matched, pattern.raw)
		if context == "" {
			context = surrounding(content, loc[0], loc[1])
		}
	}

	if len(matched) == 0 {
		return Violation{}, false
	}

	if confidence > 1.0 {
		confidence = 1.0
	}

	severity := principle.Severity
	if principle.Escalated {
		severity = event.SeverityCritical
		if confidence < escalatedConfidenceFloor {
			confidence = escalatedConfidenceFloor
		}
	}

	return Violation{
		Principle:       principle.Name,
		Description:     principle.Description,
		Severity:        severity,
		Confidence:      confidence,
		MatchedPatterns: matched,
		Context:         context,
	}, true
}

// surrounding extracts a bounded snippet around a match for investigators.
func surrounding(content string, start, end int) string {
	const margin = 30
	from := start - margin
	if from < 0 {
		from = 0
	}
	to := end + margin
	if to > len(content) {
		to = len(content)
	}
	return content[from:to]
}
