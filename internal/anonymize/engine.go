// Package anonymize runs the whole pipeline over one document: normalize,
// detect, consolidate, check entity types, alias through the project
// glossary, shift dates and rewrite the text.
package anonymize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/anonimiza/internal/consolidate"
	"github.com/dativo-io/anonimiza/internal/detector"
	"github.com/dativo-io/anonimiza/internal/entitycheck"
	"github.com/dativo-io/anonimiza/internal/exportgate"
	"github.com/dativo-io/anonimiza/internal/normalize"
	anonotel "github.com/dativo-io/anonimiza/internal/otel"
	"github.com/dativo-io/anonimiza/internal/pii"
)

// Kind says how a span was replaced.
type Kind string

const (
	KindAlias   Kind = "alias"
	KindShifted Kind = "shifted_date"
)

// Replacement is one rewritten span. Offsets refer to the raw input.
type Replacement struct {
	Span        pii.Span     `json:"span"`
	Category    pii.Category `json:"category"`
	Original    string       `json:"original"`
	Replacement string       `json:"replacement"`
	Kind        Kind         `json:"kind"`
	Source      string       `json:"source"`
	Confidence  float64      `json:"confidence"`
	NewAlias    bool         `json:"new_alias,omitempty"`
}

// ReviewItem is a replacement a human should confirm.
type ReviewItem struct {
	// Index points into Result.Replacements.
	Index    int          `json:"index"`
	Category pii.Category `json:"category"`
	Text     string       `json:"text"`
	Reason   string       `json:"reason"`
	HighRisk bool         `json:"high_risk"`
}

// Stats summarises one run.
type Stats struct {
	Sources      int                  `json:"sources"`
	SourceErrors int                  `json:"source_errors"`
	Skipped      int                  `json:"sources_skipped"`
	Consolidate  consolidate.Stats    `json:"consolidate"`
	Rejected     int                  `json:"rejected"`
	Reclassified int                  `json:"reclassified"`
	Flagged      int                  `json:"flagged"`
	TooShort     int                  `json:"too_short"`
	AliasesNew   int                  `json:"aliases_new"`
	DatesShifted int                  `json:"dates_shifted"`
	Counts       map[pii.Category]int `json:"counts"`
}

// Result is the anonymized document.
type Result struct {
	ProjectID    string        `json:"project_id"`
	DocumentID   string        `json:"document_id"`
	Text         string        `json:"text"`
	Replacements []Replacement `json:"replacements"`
	Review       []ReviewItem  `json:"review"`
	Stats        Stats         `json:"stats"`
}

// PendingHighRisk counts review items in high-risk categories.
func (r *Result) PendingHighRisk() int {
	n := 0
	for _, item := range r.Review {
		if item.HighRisk {
			n++
		}
	}
	return n
}

// Engine holds the stateless parts of the pipeline. Per-project state
// travels in the Project passed to each call. Safe for concurrent use.
type Engine struct {
	sources       []detector.Source
	validator     *entitycheck.Validator
	gate          *exportgate.Gate
	categories    pii.CategorySet
	minConfidence float64
	concurrency   int
	progress      detector.Progress
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithValidator enables the entity type check.
func WithValidator(v *entitycheck.Validator) EngineOption {
	return func(e *Engine) { e.validator = v }
}

// WithGate sets the export gate used by Engine.Gate.
func WithGate(g *exportgate.Gate) EngineOption {
	return func(e *Engine) { e.gate = g }
}

// WithCategories restricts detection to cats; nil means all.
func WithCategories(cats pii.CategorySet) EngineOption {
	return func(e *Engine) { e.categories = cats }
}

// WithMinConfidence drops detections below conf before consolidation.
func WithMinConfidence(conf float64) EngineOption {
	return func(e *Engine) { e.minConfidence = conf }
}

// WithConcurrency bounds parallel detector sources.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithProgress reports per-source progress.
func WithProgress(p detector.Progress) EngineOption {
	return func(e *Engine) { e.progress = p }
}

// NewEngine creates an engine over sources, merged in the order given.
func NewEngine(sources []detector.Source, opts ...EngineOption) *Engine {
	e := &Engine{sources: sources}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Detect runs normalization, every source and consolidation, returning
// detections in raw-text coordinates.
func (e *Engine) Detect(ctx context.Context, raw string) ([]pii.Detection, Stats, error) {
	stats := Stats{Sources: len(e.sources), Counts: map[pii.Category]int{}}
	if raw == "" {
		return nil, stats, nil
	}

	m := normalize.ForDetection(raw)
	outputs, err := detector.Run(ctx, m.Normalized(), e.sources, detector.Options{
		Categories:    e.categories,
		MinConfidence: e.minConfidence,
		Concurrency:   e.concurrency,
		Progress:      e.progress,
	})
	if err != nil {
		return nil, stats, err
	}

	sets := make([]consolidate.Set, 0, len(outputs))
	for _, out := range outputs {
		switch {
		case out.Skipped:
			stats.Skipped++
			continue
		case out.Err != nil:
			stats.SourceErrors++
			continue
		}
		sets = append(sets, consolidate.Set{Source: out.Source, Detections: out.Detections, Mapping: m})
	}
	dets, cstats := consolidate.Consolidate(raw, sets)
	stats.Consolidate = cstats
	return dets, stats, nil
}

// Anonymize rewrites raw for project. Detections the entity check rejects
// are left in the text; flagged ones are replaced and listed for review.
// DATE spans are shifted by the project delta; anything that cannot be
// parsed as a date falls back to an alias.
func (e *Engine) Anonymize(ctx context.Context, project *Project, documentID, raw string) (*Result, error) {
	if project == nil || project.Glossary == nil {
		return nil, ErrNoProject
	}
	ctx, span := tracer.Start(ctx, "anonymize.document",
		trace.WithAttributes(
			attribute.String("project_id", project.ID),
			attribute.String("document_id", documentID),
			attribute.Int("document.bytes", len(raw)),
		))
	defer span.End()

	dets, stats, err := e.Detect(ctx, raw)
	if err != nil {
		return nil, err
	}

	res := &Result{ProjectID: project.ID, DocumentID: documentID}
	for _, d := range dets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var reviewReason string
		if e.validator != nil {
			check := e.validator.Validate(ctx, d.Span.Text, d.Category, raw, d.Span)
			switch check.Action {
			case entitycheck.Reject:
				stats.Rejected++
				continue
			case entitycheck.Reclassify:
				stats.Reclassified++
				d = d.WithCategory(check.Category)
			case entitycheck.FlagForReview:
				reviewReason = check.Reason
			}
		}

		if info, ok := pii.Lookup(d.Category); ok && utf8.RuneCountInString(d.Value) < info.MinLength {
			stats.TooShort++
			continue
		}

		rep, err := e.replace(ctx, project, documentID, d)
		if err != nil {
			return nil, err
		}
		if rep.Kind == KindShifted {
			stats.DatesShifted++
		}
		if rep.NewAlias {
			stats.AliasesNew++
		}
		stats.Counts[rep.Category]++
		res.Replacements = append(res.Replacements, rep)

		if reviewReason != "" {
			stats.Flagged++
			res.Review = append(res.Review, ReviewItem{
				Index:    len(res.Replacements) - 1,
				Category: rep.Category,
				Text:     rep.Original,
				Reason:   reviewReason,
				HighRisk: rep.Category.HighRisk(),
			})
		}
	}

	res.Text = rewrite(raw, res.Replacements)
	res.Stats = stats
	e.record(ctx, res)

	log.Info().
		Str("project_id", project.ID).
		Str("document_id", documentID).
		Int("replacements", len(res.Replacements)).
		Int("review", len(res.Review)).
		Int("rejected", stats.Rejected).
		Func(anonotel.LogTraceFields(ctx)).
		Msg("document_anonymized")
	return res, nil
}

func (e *Engine) replace(ctx context.Context, project *Project, documentID string, d pii.Detection) (Replacement, error) {
	rep := Replacement{
		Span:       d.Span,
		Category:   d.Category,
		Original:   d.Span.Text,
		Source:     d.Source,
		Confidence: d.Confidence,
	}
	if d.Category == pii.Date && project.Dates != nil {
		shifted, err := project.Dates.ShiftText(d.Span.Text)
		if err == nil {
			rep.Replacement = shifted
			rep.Kind = KindShifted
			return rep, nil
		}
		log.Debug().Err(err).Str("document_id", documentID).Msg("date_not_shiftable")
	}
	m, created, err := project.Glossary.GetOrAssign(ctx, d.Value, d.Category, documentID)
	if err != nil {
		return Replacement{}, fmt.Errorf("assigning alias for %s: %w", d.Category, err)
	}
	rep.Replacement = m.Alias
	rep.Kind = KindAlias
	rep.NewAlias = created
	return rep, nil
}

// rewrite applies non-overlapping replacements to raw.
func rewrite(raw string, reps []Replacement) string {
	if len(reps) == 0 {
		return raw
	}
	ordered := make([]Replacement, len(reps))
	copy(ordered, reps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Span.Start < ordered[j].Span.Start })

	var b strings.Builder
	b.Grow(len(raw))
	pos := 0
	for _, r := range ordered {
		if r.Span.Start < pos || r.Span.End > len(raw) {
			continue
		}
		b.WriteString(raw[pos:r.Span.Start])
		b.WriteString(r.Replacement)
		pos = r.Span.End
	}
	b.WriteString(raw[pos:])
	return b.String()
}

func (e *Engine) record(ctx context.Context, res *Result) {
	documentsTotal.Add(ctx, 1)
	for c, n := range res.Stats.Counts {
		detectionsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("category", string(c))))
	}
	if len(res.Review) > 0 {
		reviewFlagsTotal.Add(ctx, int64(len(res.Review)))
	}
}

// Gate checks whether res may be exported as documentType. Replacements
// not flagged for review count as reviewed; every flagged high-risk item
// is pending until resolved, which trips the safety latch.
func (e *Engine) Gate(ctx context.Context, documentType string, res *Result) (exportgate.Decision, error) {
	if e.gate == nil {
		return exportgate.Decision{}, fmt.Errorf("export gate not configured")
	}
	return e.gate.Validate(ctx, exportgate.Input{
		DocumentType:     documentType,
		TotalEntities:    len(res.Replacements),
		ReviewedEntities: len(res.Replacements) - len(res.Review),
		PendingHighRisk:  res.PendingHighRisk(),
		EntityCounts:     res.Stats.Counts,
	})
}
