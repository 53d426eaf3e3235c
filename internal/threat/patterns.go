package threat

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/Banken/internal/event"
)

// PatternCategory groups the regular expressions for one threat category
// with its fixed severity and confidence contribution. The tables are
// data: replaceable from a YAML rules file without code changes.
type PatternCategory struct {
	Category   string
	Severity   event.Severity
	Confidence float64
	patterns   []*regexp.Regexp
	raw        []string
}

type patternSpec struct {
	Category   string   `yaml:"category"`
	Severity   string   `yaml:"severity"`
	Confidence float64  `yaml:"confidence"`
	Patterns   []string `yaml:"patterns"`
}

type patternRulesFile struct {
	Categories []patternSpec `yaml:"categories"`
}

// DefaultPatternCategories returns the built-in payload rule tables.
func DefaultPatternCategories() []*PatternCategory {
	specs := []patternSpec{
		{
			Category:   CategorySQLInjection,
			Severity:   "critical",
			Confidence: 0.6,
			Patterns: []string{
				`(?i)('\s*(or|and)\s+\d+\s*=\s*\d+)`,
				`(?i)\b(union\s+(all\s+)?select|select\s+.{1,60}\s+from)\b`,
				`(?i)\b(drop|truncate|alter)\s+table\b`,
				`(?i);\s*(delete|update|insert)\s`,
				`(?i)\b(exec|execute)\s*\(\s*x?p_`,
				`(?i)'\s*or\s+'[^']*'\s*=\s*'`,
			},
		},
		{
			Category:   CategoryXSS,
			Severity:   "high",
			Confidence: 0.5,
			Patterns: []string{
				`(?i)<script[\s>]`,
				`(?i)javascript\s*:`,
				`(?i)\bon(error|load|click|mouseover|focus)\s*=`,
				`(?i)<(iframe|object|embed)[\s>]`,
				`(?i)document\.(cookie|write|location)`,
			},
		},
		{
			Category:   CategoryCSRFAttempt,
			Severity:   "medium",
			Confidence: 0.4,
			Patterns: []string{
				`(?i)\bcsrf[_-]?token\b.{0,20}(null|undefined|forged|bypass)`,
				`(?i)\bx-csrf\b.{0,20}(spoof|forge)`,
			},
		},
		{
			Category:   CategoryPathTraversal,
			Severity:   "high",
			Confidence: 0.5,
			Patterns: []string{
				`\.\./\.\./`,
				`(?i)%2e%2e(%2f|/)`,
				`(?i)/etc/(passwd|shadow|hosts)`,
				`(?i)\\\\windows\\\\system32`,
			},
		},
		{
			Category:   CategoryCommandInjection,
			Severity:   "critical",
			Confidence: 0.6,
			Patterns: []string{
				"(?i)[;&|`]\\s*(cat|ls|rm|wget|curl|sh|bash|cmd|powershell)\\b",
				`(?i)\$\((cat|ls|rm|wget|curl|id|whoami)\b`,
				`(?i)\b(nc|netcat)\s+-[el]`,
				`(?i)\brm\s+-rf\s+/`,
			},
		},
		{
			Category:   CategoryPolicyViolation,
			Severity:   "critical",
			Confidence: 0.8,
			Patterns: []string{
				`(?i)\b(subhuman|dehumaniz\w+)\b`,
				`(?i)\b(kill|murder|torture)\b.{0,40}\b(them|him|her|people|person)\b`,
				`(?i)\b(dox+\w*|leak\w*)\b.{0,40}\b(address|identity|personal)\b`,
				`(?i)\bbecause of (?:their|his|her) (?:race|religion|gender|orientation)\b`,
			},
		},
	}

	categories := make([]*PatternCategory, 0, len(specs))
	for _, spec := range specs {
		cat, err := compilePatternCategory(spec)
		if err != nil {
			panic(fmt.Sprintf("invalid built-in threat rules %q: %v", spec.Category, err))
		}
		categories = append(categories, cat)
	}
	return categories
}

// LoadPatternCategories reads payload rule tables from a YAML file.
func LoadPatternCategories(path string) ([]*PatternCategory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threat rules: %w", err)
	}

	var file patternRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse threat rules: %w", err)
	}
	if len(file.Categories) == 0 {
		return nil, fmt.Errorf("threat rules file %s defines no categories", path)
	}

	categories := make([]*PatternCategory, 0, len(file.Categories))
	for _, spec := range file.Categories {
		cat, err := compilePatternCategory(spec)
		if err != nil {
			return nil, err
		}
		categories = append(categories, cat)
	}
	return categories, nil
}

func compilePatternCategory(spec patternSpec) (*PatternCategory, error) {
	if spec.Category == "" {
		return nil, fmt.Errorf("threat rule category name is required")
	}
	severity, err := event.ParseSeverity(spec.Severity)
	if err != nil {
		return nil, fmt.Errorf("category %q: %w", spec.Category, err)
	}
	if spec.Confidence <= 0 || spec.Confidence > 1 {
		return nil, fmt.Errorf("category %q: confidence must be in (0,1]", spec.Category)
	}

	cat := &PatternCategory{
		Category:   spec.Category,
		Severity:   severity,
		Confidence: spec.Confidence,
	}
	for _, raw := range spec.Patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("category %q: invalid pattern %q: %w", spec.Category, raw, err)
		}
		cat.patterns = append(cat.patterns, re)
		cat.raw = append(cat.raw, raw)
	}
	return cat, nil
}

// match returns the raw patterns that matched the payload text.
func (c *PatternCategory) match(text string) []string {
	var matched []string
	for i, re := range c.patterns {
		if re.MatchString(text) {
			matched = append(matched, c.raw[i])
		}
	}
	return matched
}
