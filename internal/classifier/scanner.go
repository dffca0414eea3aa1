// Package classifier runs the declarative pattern rule table over
// detection-normalized text. Rules are Presidio-style YAML recognizers,
// merged from embedded defaults, a global file and per-call additions.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	anonotel "github.com/dativo-io/anonimiza/internal/otel"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/classifier")

const (
	// SourceName identifies detections produced by the rule table.
	SourceName = "patterns"

	// DefaultMinScore is the minimum confidence used when a caller passes 0.
	DefaultMinScore = 0.5

	// FailedValidatorFactor scales the base score of a match whose checksum
	// is computed and wrong.
	FailedValidatorFactor = 0.7

	// ContextWindow is how many bytes on each side of a match are searched
	// for a recognizer's context words.
	ContextWindow = 60
	// ContextBoost is added to an unchecked match with a context word in
	// its window. The result never exceeds MaxContextConfidence, so only a
	// passed checksum reaches 1.0.
	ContextBoost         = 0.15
	MaxContextConfidence = 0.95
)

// Scanner applies the compiled rule table. It is safe for concurrent use.
type Scanner struct {
	rules    []Rule
	minScore float64
}

// ScannerOption configures a Scanner via the functional options pattern.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	patternFile       string
	enabledEntities   []string
	disabledEntities  []string
	customRecognizers []RecognizerConfig
	minScore          float64
}

// WithMinScore overrides the default minimum confidence threshold.
func WithMinScore(score float64) ScannerOption {
	return func(c *scannerConfig) { c.minScore = score }
}

// WithPatternFile loads additional recognizers from a global YAML file.
// If the file does not exist, it is silently skipped.
func WithPatternFile(path string) ScannerOption {
	return func(c *scannerConfig) { c.patternFile = path }
}

// WithEnabledEntities sets a whitelist of entity types.
func WithEnabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.enabledEntities = entities }
}

// WithDisabledEntities sets a blacklist of entity types to exclude.
func WithDisabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.disabledEntities = entities }
}

// WithCustomRecognizers adds per-call custom recognizer definitions.
func WithCustomRecognizers(recognizers []RecognizerConfig) ScannerOption {
	return func(c *scannerConfig) { c.customRecognizers = recognizers }
}

// NewScanner creates a rule-table scanner. Without options it uses the
// embedded Spanish defaults.
func NewScanner(opts ...ScannerOption) (*Scanner, error) {
	var cfg scannerConfig
	for _, o := range opts {
		o(&cfg)
	}

	// Layer 1: embedded defaults
	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, fmt.Errorf("loading default recognizers: %w", err)
	}

	// Layer 2: global pattern file (optional)
	var globalRecs []*RecognizerConfig
	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading global pattern file: %w", err)
		}
		if rf != nil {
			globalRecs = toPtrSlice(rf.Recognizers)
		}
	}

	// Layer 3: custom recognizers
	var customRecs []*RecognizerConfig
	if len(cfg.customRecognizers) > 0 {
		customRecs = toPtrSlice(cfg.customRecognizers)
	}

	merged := MergeRecognizers(toPtrSlice(defaults), globalRecs, customRecs)
	merged = FilterByEntities(merged, cfg.enabledEntities, cfg.disabledEntities)

	rules, err := CompileRules(merged)
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}

	return &Scanner{rules: rules, minScore: minScore}, nil
}

// MustNewScanner is like NewScanner but panics on error. Useful for zero-config
// startup where the embedded defaults are expected to always compile.
func MustNewScanner(opts ...ScannerOption) *Scanner {
	s, err := NewScanner(opts...)
	if err != nil {
		panic(fmt.Sprintf("classifier.NewScanner: %v", err))
	}
	return s
}

// Rules returns the compiled rule table in evaluation order.
func (s *Scanner) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Name implements detector.Source.
func (s *Scanner) Name() string { return SourceName }

// Available implements detector.Source; the rule table is always loaded.
func (s *Scanner) Available() bool { return true }

// Detect runs every rule over text and returns detections whose offsets are
// relative to text. categories == nil means all categories; minConfidence
// <= 0 means the scanner default. A span produced by two rules is kept only
// for the first rule in table order.
func (s *Scanner) Detect(ctx context.Context, text string, categories pii.CategorySet, minConfidence float64) ([]pii.Detection, error) {
	_, span := tracer.Start(ctx, "classifier.detect")
	defer span.End()

	if minConfidence <= 0 {
		minConfidence = s.minScore
	}

	type key struct{ start, end int }
	seen := make(map[key]struct{})
	var out []pii.Detection

	for i := range s.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule := &s.rules[i]
		if !categories.Allows(rule.Category) {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end, ok := rule.locate(loc)
			if !ok {
				continue
			}
			k := key{start, end}
			if _, dup := seen[k]; dup {
				continue
			}

			d := pii.Detection{
				Category:   rule.Category,
				Value:      text[start:end],
				Span:       pii.Span{Start: start, End: end, Text: text[start:end]},
				Confidence: rule.Score,
				Source:     SourceName,
			}
			applyValidator(&d, rule)
			applyContext(&d, rule, text, loc[0], loc[1])
			if d.Confidence < minConfidence {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })

	span.SetAttributes(
		attribute.Int("pii.rule_count", len(s.rules)),
		attribute.Int("pii.detection_count", len(out)),
	)
	return out, nil
}

// applyValidator applies the confidence policy: a passing checksum means
// certainty, a failing one scales the base score down, and a value the
// validator cannot judge keeps the base score.
func applyValidator(d *pii.Detection, rule *Rule) {
	if rule.Validator == nil {
		return
	}
	res := rule.Validator(d.Value)
	if !res.Checked {
		d.ChecksumReason = res.Reason
		return
	}
	ok := res.Valid
	d.ChecksumValid = &ok
	d.ChecksumReason = res.Reason
	if ok {
		d.Confidence = 1.0
	} else {
		d.Confidence = pii.ClampConfidence(rule.Score * FailedValidatorFactor)
	}
}

// applyContext lifts a match whose checksum was not computed when one of
// the rule's context words appears within ContextWindow bytes before or
// after the whole regex match. Words the pattern itself consumed do not
// count, so a labelled rule is not boosted by its own label.
func applyContext(d *pii.Detection, rule *Rule, text string, matchStart, matchEnd int) {
	if len(rule.Context) == 0 || d.ChecksumValid != nil || d.Confidence >= MaxContextConfidence {
		return
	}
	lo := max(0, matchStart-ContextWindow)
	hi := min(len(text), matchEnd+ContextWindow)
	before := strings.ToLower(text[lo:matchStart])
	after := strings.ToLower(text[matchEnd:hi])
	for _, w := range rule.Context {
		if strings.Contains(before, w) || strings.Contains(after, w) {
			d.Confidence = min(MaxContextConfidence, d.Confidence+ContextBoost)
			return
		}
	}
}
