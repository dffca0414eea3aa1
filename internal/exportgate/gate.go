// Package exportgate decides whether an anonymized document may leave the
// system. A hard safety latch blocks export while any high-risk detection
// is unreviewed; declarative per-document-type sanity rules, evaluated with
// embedded OPA, catch documents that look under-detected.
package exportgate

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	anonotel "github.com/dativo-io/anonimiza/internal/otel"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/exportgate")

var exportsBlocked, _ = otel.Meter("github.com/dativo-io/anonimiza/internal/exportgate").
	Int64Counter("exportgate.blocked", metric.WithDescription("Exports blocked by a critical gate failure"))

//go:embed rego/sanity.rego
var embeddedPolicies embed.FS

const (
	sanityModule = "rego/sanity.rego"
	sanityQuery  = "data.anonimiza.exportgate.sanity.results"
)

// Names of the built-in checks.
const (
	SafetyLatch    = "safety_latch"
	ReviewProgress = "review_progress"
)

// Input describes the document being exported.
type Input struct {
	DocumentType     string               `json:"document_type"`
	TotalEntities    int                  `json:"total_entities"`
	ReviewedEntities int                  `json:"reviewed_entities"`
	PendingHighRisk  int                  `json:"pending_high_risk"`
	EntityCounts     map[pii.Category]int `json:"entity_counts"`
}

// RuleResult is the outcome of one check.
type RuleResult struct {
	Name       string         `json:"name"`
	Severity   Severity       `json:"severity"`
	Categories []pii.Category `json:"categories,omitempty"`
	Required   int            `json:"required"`
	Found      int            `json:"found"`
	Passed     bool           `json:"passed"`
	Message    string         `json:"message"`
}

// Blocking reports whether r prevents export.
func (r RuleResult) Blocking() bool { return !r.Passed && r.Severity == Critical }

// Decision is the gate verdict with every individual result.
type Decision struct {
	CanExport bool         `json:"can_export"`
	Results   []RuleResult `json:"results"`
}

// Failed returns the results that did not pass.
func (d Decision) Failed() []RuleResult {
	var out []RuleResult
	for _, r := range d.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Gate evaluates export decisions. Safe for concurrent use.
type Gate struct {
	rules    RuleSet
	prepared rego.PreparedEvalQuery
}

// New compiles the sanity rules into a prepared OPA query.
func New(ctx context.Context, rules RuleSet) (*Gate, error) {
	ctx, span := tracer.Start(ctx, "exportgate.new")
	defer span.End()

	data, err := rulesToData(rules)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	content, err := embeddedPolicies.ReadFile(sanityModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", sanityModule, err)
	}
	pq, err := rego.New(
		rego.Query(sanityQuery),
		rego.Module(sanityModule, string(content)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"rules": data})),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing Rego policy %s: %w", sanityModule, err)
	}
	span.SetAttributes(attribute.Int("exportgate.document_types", len(rules.DocumentTypes)))
	return &Gate{rules: rules, prepared: pq}, nil
}

// rulesToData converts the rule set into the plain JSON shape OPA stores.
func rulesToData(rules RuleSet) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(rules.DocumentTypes)
	if err != nil {
		return nil, fmt.Errorf("marshalling gate rules: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling gate rules: %w", err)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// DocumentTypes returns the document types with declared rules.
func (g *Gate) DocumentTypes() []string {
	out := make([]string, 0, len(g.rules.DocumentTypes))
	for t := range g.rules.DocumentTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate runs the safety latch, the review progress check and every
// sanity rule declared for in.DocumentType. Unknown document types only
// get the built-in checks.
func (g *Gate) Validate(ctx context.Context, in Input) (Decision, error) {
	docType := normalizeDocType(in.DocumentType)
	ctx, span := tracer.Start(ctx, "exportgate.validate",
		trace.WithAttributes(
			attribute.String("document.type", docType),
			attribute.Int("pending_high_risk", in.PendingHighRisk),
		))
	defer span.End()

	results := []RuleResult{latch(in), reviewProgress(in)}

	sanity, err := g.evaluateSanity(ctx, docType, in.EntityCounts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	results = append(results, sanity...)

	d := Decision{CanExport: true, Results: results}
	for _, r := range results {
		if r.Blocking() {
			d.CanExport = false
		}
	}
	if !d.CanExport {
		exportsBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("document.type", docType)))
		log.Info().
			Str("document_type", docType).
			Int("pending_high_risk", in.PendingHighRisk).
			Int("failed", len(d.Failed())).
			Msg("export_blocked")
	}
	span.SetAttributes(attribute.Bool("exportgate.can_export", d.CanExport))
	return d, nil
}

func latch(in Input) RuleResult {
	r := RuleResult{
		Name:     SafetyLatch,
		Severity: Critical,
		Required: 0,
		Found:    in.PendingHighRisk,
		Passed:   in.PendingHighRisk <= 0,
	}
	if r.Passed {
		r.Message = "no high-risk detections pending review"
	} else {
		r.Message = fmt.Sprintf("%d high-risk detections pending review", in.PendingHighRisk)
	}
	return r
}

func reviewProgress(in Input) RuleResult {
	r := RuleResult{
		Name:     ReviewProgress,
		Severity: Warning,
		Required: in.TotalEntities,
		Found:    in.ReviewedEntities,
		Passed:   in.ReviewedEntities >= in.TotalEntities,
	}
	if r.Passed {
		r.Message = "all detections reviewed"
	} else {
		r.Message = fmt.Sprintf("%d of %d detections reviewed", in.ReviewedEntities, in.TotalEntities)
	}
	return r
}

func (g *Gate) evaluateSanity(ctx context.Context, docType string, counts map[pii.Category]int) ([]RuleResult, error) {
	declared := g.rules.DocumentTypes[docType]
	if len(declared) == 0 {
		return nil, nil
	}

	entityCounts := make(map[string]interface{}, len(counts))
	for c, n := range counts {
		entityCounts[string(c)] = n
	}
	rs, err := g.prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"document_type": docType,
		"entity_counts": entityCounts,
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", sanityModule, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	// The query yields a set of objects; round-trip through JSON to decode
	// OPA's generic values (numbers arrive as json.Number).
	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("decoding %s results: %w", sanityModule, err)
	}
	var decoded []RuleResult
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding %s results: %w", sanityModule, err)
	}

	byName := make(map[string]RuleResult, len(decoded))
	for _, r := range decoded {
		byName[r.Name] = r
	}
	out := make([]RuleResult, 0, len(declared))
	for _, rule := range declared {
		r, ok := byName[rule.Name]
		if !ok {
			continue
		}
		r.Passed = r.Found >= r.Required
		if r.Passed {
			r.Message = fmt.Sprintf("found %d of %d required", r.Found, r.Required)
		} else {
			r.Message = fmt.Sprintf("expected at least %d %v, found %d", r.Required, rule.Categories, r.Found)
		}
		out = append(out, r)
	}
	return out, nil
}
