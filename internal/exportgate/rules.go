package exportgate

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/anonimiza/internal/pii"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// ErrInvalidRules is returned for rule files that cannot be used.
var ErrInvalidRules = errors.New("invalid export gate rules")

// Severity of a failed rule. Only critical failures block export.
type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
)

// Rule declares the minimum number of detections a document type must
// carry across one or more categories.
type Rule struct {
	Name       string         `yaml:"name" json:"name"`
	Categories []pii.Category `yaml:"categories" json:"categories"`
	MinCount   int            `yaml:"min_count" json:"min_count"`
	Severity   Severity       `yaml:"severity" json:"severity"`
}

// RuleSet maps a document type to its rules.
type RuleSet struct {
	DocumentTypes map[string][]Rule `yaml:"document_types"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in export gate rules: %v", err))
	}
	return rs
}

// LoadRules reads a rule file from disk.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading export gate rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a rule file. Document type names are
// lower-cased; category names accept the same spellings as recognizer files.
func ParseRules(data []byte) (RuleSet, error) {
	var raw struct {
		DocumentTypes map[string][]struct {
			Name       string   `yaml:"name"`
			Category   string   `yaml:"category"`
			Categories []string `yaml:"categories"`
			MinCount   int      `yaml:"min_count"`
			Severity   string   `yaml:"severity"`
		} `yaml:"document_types"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, fmt.Errorf("parsing export gate rules: %w", err)
	}

	rs := RuleSet{DocumentTypes: make(map[string][]Rule, len(raw.DocumentTypes))}
	for docType, rules := range raw.DocumentTypes {
		key := normalizeDocType(docType)
		if key == "" {
			return RuleSet{}, fmt.Errorf("%w: empty document type", ErrInvalidRules)
		}
		seen := map[string]bool{}
		for i, r := range rules {
			if r.Name == "" {
				return RuleSet{}, fmt.Errorf("%w: %s rule %d has no name", ErrInvalidRules, key, i)
			}
			if seen[r.Name] {
				return RuleSet{}, fmt.Errorf("%w: %s declares %q twice", ErrInvalidRules, key, r.Name)
			}
			seen[r.Name] = true

			names := r.Categories
			if r.Category != "" {
				names = append([]string{r.Category}, names...)
			}
			if len(names) == 0 {
				return RuleSet{}, fmt.Errorf("%w: %s/%s has no category", ErrInvalidRules, key, r.Name)
			}
			cats := make([]pii.Category, 0, len(names))
			for _, n := range names {
				c, ok := pii.ParseCategory(n)
				if !ok || c == pii.NotEntity {
					return RuleSet{}, fmt.Errorf("%w: %s/%s: unknown category %q", ErrInvalidRules, key, r.Name, n)
				}
				cats = append(cats, c)
			}
			if r.MinCount < 1 {
				return RuleSet{}, fmt.Errorf("%w: %s/%s: min_count must be at least 1", ErrInvalidRules, key, r.Name)
			}
			sev := Severity(strings.ToLower(r.Severity))
			if sev == "" {
				sev = Warning
			}
			if sev != Critical && sev != Warning {
				return RuleSet{}, fmt.Errorf("%w: %s/%s: severity %q", ErrInvalidRules, key, r.Name, r.Severity)
			}
			rs.DocumentTypes[key] = append(rs.DocumentTypes[key], Rule{
				Name: r.Name, Categories: cats, MinCount: r.MinCount, Severity: sev,
			})
		}
	}
	return rs, nil
}

func normalizeDocType(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
