package compliance

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/Banken/internal/event"
)

// Principle is one weighted policy dimension. Patterns are ordered; each
// compiled pattern remembers whether it enforces word boundaries since
// boundary matches carry extra confidence.
type Principle struct {
	Name        string
	Description string
	Weight      float64
	Severity    event.Severity

	// Escalated principles force critical severity and a confidence
	// floor of 0.8 on any match.
	Escalated bool

	patterns []compiledPattern
}

type compiledPattern struct {
	re           *regexp.Regexp
	raw          string
	wordBoundary bool
}

// principleSpec is the YAML shape for data-driven principle tables.
type principleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Weight      float64  `yaml:"weight"`
	Severity    string   `yaml:"severity"`
	Escalated   bool     `yaml:"escalated"`
	Patterns    []string `yaml:"patterns"`
}

type rulesFile struct {
	Principles []principleSpec `yaml:"principles"`
}

// DefaultPrinciples returns the built-in principle table. The same table
// can be replaced wholesale from a YAML rules file without code changes.
func DefaultPrinciples() []*Principle {
	specs := []principleSpec{
		{
			Name:        "human-dignity",
			Description: "Content must not demean, dehumanize or degrade people",
			Weight:      0.9,
			Severity:    "critical",
			Escalated:   true,
			Patterns: []string{
				`\b(subhuman|dehumaniz\w+|degrad\w+ (?:people|person|human))\b`,
				`\b(worthless|inferior) (?:people|person|race|group)\b`,
				`treat\w* (?:them|people) like (?:animals|objects|garbage)`,
			},
		},
		{
			Name:        "non-maleficence",
			Description: "Content must not describe or solicit harm to people",
			Weight:      0.95,
			Severity:    "critical",
			Escalated:   true,
			Patterns: []string{
				`\b(kill|murder|assault|torture)\b.{0,40}\b(them|him|her|people|person)\b`,
				`\bhow to (?:harm|hurt|poison|attack) (?:a |an |the )?\w+`,
				`\b(self[- ]harm|suicide) (?:method|instruction|guide)s?\b`,
			},
		},
		{
			Name:        "privacy-protection",
			Description: "Content must not expose or solicit personal data",
			Weight:      0.8,
			Severity:    "high",
			Patterns: []string{
				`\b(ssn|social security number)\b.{0,30}\d{3}-?\d{2}-?\d{4}`,
				`\b(leak|dox+|expose)\w*\b.{0,40}\b(address|phone|email|identity)\b`,
				`\bcredit card\b.{0,30}\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}`,
			},
		},
		{
			Name:        "non-discrimination",
			Description: "Content must not discriminate by protected attributes",
			Weight:      0.85,
			Severity:    "high",
			Patterns: []string{
				`\b(no|not hiring|refuse\w*) .{0,30}\b(women|men|blacks?|whites?|asians?|muslims?|jews?|gays?)\b`,
				`\b(?:all|those) (?:women|men|immigrants|foreigners) are\b`,
				`\bbecause of (?:their|his|her) (?:race|religion|gender|orientation)\b`,
			},
		},
		{
			Name:        "transparency",
			Description: "Automated decisions must be presented as such",
			Weight:      0.6,
			Severity:    "medium",
			Patterns: []string{
				`\bpretend (?:to be|you are) (?:a )?human\b`,
				`\bhide (?:that|the fact) .{0,30}\b(?:bot|automated|ai)\b`,
			},
		},
		{
			Name:        "accountability",
			Description: "Attempts to erase audit traces are violations",
			Weight:      0.7,
			Severity:    "high",
			Patterns: []string{
				`\b(delete|purge|erase|wipe)\b.{0,30}\b(audit|log|trail|record)s?\b`,
				`\bcover (?:your|our|their) tracks\b`,
				`\bdisable .{0,20}\b(?:logging|monitoring|audit)\b`,
			},
		},
	}

	principles := make([]*Principle, 0, len(specs))
	for _, spec := range specs {
		p, err := compilePrinciple(spec)
		if err != nil {
			// Built-in patterns are covered by tests; a failure here is
			// a programming error.
			panic(fmt.Sprintf("invalid built-in principle %q: %v", spec.Name, err))
		}
		principles = append(principles, p)
	}
	return principles
}

// LoadPrinciples reads a principle table from a YAML rules file.
func LoadPrinciples(path string) ([]*Principle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compliance rules: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse compliance rules: %w", err)
	}
	if len(file.Principles) == 0 {
		return nil, fmt.Errorf("compliance rules file %s defines no principles", path)
	}

	principles := make([]*Principle, 0, len(file.Principles))
	for _, spec := range file.Principles {
		p, err := compilePrinciple(spec)
		if err != nil {
			return nil, err
		}
		principles = append(principles, p)
	}
	return principles, nil
}

func compilePrinciple(spec principleSpec) (*Principle, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("principle name is required")
	}
	if spec.Weight <= 0 || spec.Weight > 1 {
		return nil, fmt.Errorf("principle %q: weight must be in (0,1]", spec.Name)
	}

	severity, err := event.ParseSeverity(spec.Severity)
	if err != nil {
		return nil, fmt.Errorf("principle %q: %w", spec.Name, err)
	}

	p := &Principle{
		Name:        spec.Name,
		Description: spec.Description,
		Weight:      spec.Weight,
		Severity:    severity,
		Escalated:   spec.Escalated,
	}
	for _, raw := range spec.Patterns {
		re, err := regexp.Compile(`(?i)` + raw)
		if err != nil {
			return nil, fmt.Errorf("principle %q: invalid pattern %q: %w", spec.Name, raw, err)
		}
		p.patterns = append(p.patterns, compiledPattern{
			re:           re,
			raw:          raw,
			wordBoundary: hasWordBoundary(raw),
		})
	}
	return p, nil
}

func hasWordBoundary(pattern string) bool {
	for i := 0; i+1 < len(pattern); i++ {
		if pattern[i] == '\\' && pattern[i+1] == 'b' {
			return true
		}
	}
	return false
}
