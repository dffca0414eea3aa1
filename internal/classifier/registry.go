package classifier

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/anonimiza/internal/checksum"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var (
	// ErrUnknownEntity is returned when a recognizer names an entity outside
	// the category vocabulary.
	ErrUnknownEntity = errors.New("unknown supported_entity")
	// ErrUnknownValidator is returned when a recognizer names a checksum
	// validator that does not exist.
	ErrUnknownValidator = errors.New("unknown validator")
	// ErrInvalidGroupMode is returned for group_mode values other than
	// whole, first and concat.
	ErrInvalidGroupMode = errors.New("invalid group_mode")
)

// RecognizerFile is the top-level YAML structure for a recognizer config file.
// Mirrors Presidio's recognizer registry YAML format.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig mirrors Presidio's YAML recognizer schema with anonimiza
// extensions. Presidio ignores the extra fields.
type RecognizerConfig struct {
	Name            string          `yaml:"name" json:"name"`
	SupportedEntity string          `yaml:"supported_entity" json:"supported_entity"`
	Enabled         *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns        []PatternConfig `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Context         []string        `yaml:"context,omitempty" json:"context,omitempty"`

	Validator     string    `yaml:"validator,omitempty" json:"validator,omitempty"`
	CaseSensitive bool      `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	GroupMode     GroupMode `yaml:"group_mode,omitempty" json:"group_mode,omitempty"`
}

// PatternConfig is a single regex pattern within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// isEnabled returns true if the recognizer is enabled (defaults to true when nil).
func (r *RecognizerConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// ParseRecognizerFile parses recognizer YAML bytes into a RecognizerFile.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a recognizer YAML file from disk.
// Returns nil (not an error) if the file does not exist, so callers can
// treat a missing global config as a no-op.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers performs a 3-layer merge: defaults, then global overrides,
// then per-call custom recognizers. Later layers override earlier ones by
// matching on the recognizer Name field. New recognizers are appended, so
// rule order (and with it the duplicate-span winner) stays stable.
func MergeRecognizers(layers ...[]*RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if rc == nil {
				continue
			}
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = *rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, *rc)
			}
		}
	}

	return merged
}

func toPtrSlice(configs []RecognizerConfig) []*RecognizerConfig {
	ptrs := make([]*RecognizerConfig, len(configs))
	for i := range configs {
		ptrs[i] = &configs[i]
	}
	return ptrs
}

// FilterByEntities applies enabled/disabled entity filters to a recognizer list.
// Entity names are compared after category parsing, so "PER", "person" and
// "PERSON" all select the same recognizers. If enabledEntities is non-empty,
// only matching recognizers are kept; then disabledEntities are removed.
func FilterByEntities(recognizers []RecognizerConfig, enabledEntities, disabledEntities []string) []RecognizerConfig {
	result := recognizers

	if len(enabledEntities) > 0 {
		allowed := entitySet(enabledEntities)
		var filtered []RecognizerConfig
		for _, r := range result {
			if allowed[entityCategory(r.SupportedEntity)] {
				filtered = append(filtered, r)
			}
		}
		result = filtered
	}

	if len(disabledEntities) > 0 {
		blocked := entitySet(disabledEntities)
		var filtered []RecognizerConfig
		for _, r := range result {
			if !blocked[entityCategory(r.SupportedEntity)] {
				filtered = append(filtered, r)
			}
		}
		result = filtered
	}

	return result
}

func entitySet(names []string) map[pii.Category]bool {
	set := make(map[pii.Category]bool, len(names))
	for _, n := range names {
		set[entityCategory(n)] = true
	}
	return set
}

func entityCategory(name string) pii.Category {
	c, _ := pii.ParseCategory(name)
	return c
}

// CompileRules converts recognizer configs into the ordered rule table used
// by the Scanner. Disabled recognizers are skipped. Each regex pattern in a
// recognizer produces one Rule. Recognizers that are not case sensitive get
// the (?i) flag.
func CompileRules(recognizers []RecognizerConfig) ([]Rule, error) {
	var rules []Rule

	for _, rec := range recognizers {
		if !rec.isEnabled() {
			continue
		}
		category, ok := pii.ParseCategory(rec.SupportedEntity)
		if !ok || category == pii.NotEntity {
			return nil, fmt.Errorf("recognizer %q: %w %q", rec.Name, ErrUnknownEntity, rec.SupportedEntity)
		}

		var validate checksum.Func
		if rec.Validator != "" {
			validate, ok = checksum.Lookup(rec.Validator)
			if !ok {
				return nil, fmt.Errorf("recognizer %q: %w %q", rec.Name, ErrUnknownValidator, rec.Validator)
			}
		}

		mode := rec.GroupMode
		if mode == "" {
			mode = GroupWhole
		}
		if !mode.valid() {
			return nil, fmt.Errorf("recognizer %q: %w %q", rec.Name, ErrInvalidGroupMode, rec.GroupMode)
		}

		var words []string
		for _, w := range rec.Context {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				words = append(words, w)
			}
		}

		for _, p := range rec.Patterns {
			expr := p.Regex
			if !rec.CaseSensitive && !strings.HasPrefix(expr, "(?i)") {
				expr = "(?i)" + expr
			}
			compiled, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			if mode != GroupWhole && compiled.NumSubexp() == 0 {
				return nil, fmt.Errorf("pattern %q in recognizer %q: %w %q needs a capture group",
					p.Name, rec.Name, ErrInvalidGroupMode, mode)
			}
			rules = append(rules, Rule{
				Name:          rec.Name + "/" + p.Name,
				Category:      category,
				Pattern:       compiled,
				Score:         pii.ClampConfidence(p.Score),
				Validator:     validate,
				ValidatorName: strings.ToLower(strings.TrimSpace(rec.Validator)),
				GroupMode:     mode,
				Context:       words,
			})
		}
	}

	return rules, nil
}
