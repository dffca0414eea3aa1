// Package entitycheck second-guesses the category of ambiguous detections
// (names, organizations, places, addresses, dates) by comparing an
// embedding of the entity against one reference vector per category.
package entitycheck

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/dativo-io/anonimiza/internal/detector"
	anonotel "github.com/dativo-io/anonimiza/internal/otel"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/entitycheck")

// Oracle turns text into a vector. Implementations typically wrap a
// sentence-embedding model.
type Oracle interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Action is the outcome of a check.
type Action int

const (
	Keep Action = iota
	Reclassify
	FlagForReview
	Reject
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Reclassify:
		return "reclassify"
	case FlagForReview:
		return "flag_for_review"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// MarshalText renders the action name in JSON and YAML output.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Result explains one decision.
type Result struct {
	Action   Action       `json:"action"`
	Original pii.Category `json:"original"`
	// Category is the category to use after the check: the original for
	// Keep and FlagForReview, the winner for Reclassify.
	Category pii.Category `json:"category"`
	Score    float64      `json:"score,omitempty"`
	Margin   float64      `json:"margin,omitempty"`
	Reason   string       `json:"reason"`
}

// Thresholds tune the decision.
type Thresholds struct {
	// Margin is how much a competing category must beat the original by to
	// reclassify, and how much NOT_ENTITY must beat every category to reject.
	Margin float64
	// Absolute is the minimum similarity of a reclassification winner.
	Absolute float64
	// Review flags competitors ahead of the original by less than this.
	Review float64
}

// DefaultThresholds are the production defaults.
var DefaultThresholds = Thresholds{Margin: 0.10, Absolute: 0.75, Review: 0.05}

// DefaultContextWindow is how many bytes on each side of the span are
// embedded as context.
const DefaultContextWindow = 60

// contextWeight is the share of the context embedding in the blended vector.
const contextWeight = 0.3

// DefaultStopWords are procedural words that NER models routinely tag as
// names in Spanish judgments.
var DefaultStopWords = []string{
	"actor", "actora", "auto", "demandado", "demandada", "demandante", "don", "doña",
	"fallo", "fiscal", "hechos", "juez", "jueza", "juzgado", "letrado", "letrada",
	"magistrado", "magistrada", "ministerio fiscal", "parte", "procurador", "procuradora",
	"providencia", "recurrente", "recurrido", "sala", "secretario", "secretaria",
	"sentencia", "señor", "señora", "sr", "sra", "tribunal", "antecedentes de hecho",
	"fundamentos de derecho", "letrado de la administración de justicia",
}

// Validator runs the check. Safe for concurrent use.
type Validator struct {
	oracle        *detector.Lazy[Oracle]
	refs          References
	th            Thresholds
	stopWords     map[string]struct{}
	contextWindow int

	group     singleflight.Group
	cacheSize int
	embedded  *vectorCache
}

// Option configures a Validator.
type Option func(*Validator)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option {
	return func(v *Validator) { v.th = th }
}

// WithStopWords replaces DefaultStopWords.
func WithStopWords(words []string) Option {
	return func(v *Validator) { v.stopWords = wordSet(words) }
}

// WithContextWindow sets the context size in bytes; 0 disables context.
func WithContextWindow(n int) Option {
	return func(v *Validator) { v.contextWindow = n }
}

// WithCacheSize bounds how many embeddings are memoized; the least
// recently used are evicted first. n <= 0 means DefaultCacheSize.
func WithCacheSize(n int) Option {
	return func(v *Validator) { v.cacheSize = n }
}

// New builds a Validator. load is called once, on first use; if it fails
// the oracle is treated as permanently unavailable and every semantic check
// keeps the original category.
func New(load func(context.Context) (Oracle, error), refs References, opts ...Option) *Validator {
	v := &Validator{
		oracle:        detector.NewLazy(load),
		refs:          refs,
		th:            DefaultThresholds,
		stopWords:     wordSet(DefaultStopWords),
		contextWindow: DefaultContextWindow,
	}
	for _, o := range opts {
		o(v)
	}
	v.embedded = newVectorCache(v.cacheSize)
	return v
}

// NewWithOracle wraps an already-loaded oracle.
func NewWithOracle(o Oracle, refs References, opts ...Option) *Validator {
	return New(func(context.Context) (Oracle, error) { return o, nil }, refs, opts...)
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[foldKey(w)] = struct{}{}
	}
	return set
}

func foldKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(s, " .,;:"))), " ")
}

// OracleState reports the lifecycle of the embedding oracle.
func (v *Validator) OracleState() detector.State { return v.oracle.State() }

// Validate decides what to do with a detection of category over text.
// fullText and span locate the entity for context; fullText may be empty.
func (v *Validator) Validate(ctx context.Context, text string, category pii.Category, fullText string, span pii.Span) Result {
	ctx, sp := tracer.Start(ctx, "entitycheck.validate")
	defer sp.End()

	res := v.validate(ctx, text, category, fullText, span)
	sp.SetAttributes(
		attribute.String("entity.category", string(category)),
		attribute.String("entity.action", res.Action.String()),
	)
	return res
}

func (v *Validator) validate(ctx context.Context, text string, category pii.Category, fullText string, span pii.Span) Result {
	keep := func(reason string) Result {
		return Result{Action: Keep, Original: category, Category: category, Reason: reason}
	}

	if _, stop := v.stopWords[foldKey(text)]; stop {
		return Result{Action: Reject, Original: category, Category: category, Reason: "stop word"}
	}
	if !category.Semantic() {
		return keep("format verified by pattern or checksum")
	}
	if _, ok := v.refs[category]; !ok {
		return keep("no reference vector for " + string(category))
	}

	oracle, err := v.oracle.Get(ctx)
	if err != nil {
		return keep("oracle unavailable")
	}
	vec, err := v.vector(ctx, oracle, text, fullText, span)
	if err != nil {
		log.Warn().Err(err).Str("category", string(category)).Msg("entity_embedding_failed")
		return keep("embedding failed")
	}
	return v.decide(category, v.scores(vec))
}

func (v *Validator) scores(vec []float64) map[pii.Category]float64 {
	out := make(map[pii.Category]float64, len(v.refs))
	for c, ref := range v.refs {
		if c != pii.NotEntity && !c.Semantic() {
			continue
		}
		out[c] = cosine(vec, ref)
	}
	return out
}

// decide applies the thresholds to the similarity table.
func (v *Validator) decide(category pii.Category, scores map[pii.Category]float64) Result {
	orig := scores[category]

	// Best PII category, ties broken by name so results are deterministic.
	cats := make([]pii.Category, 0, len(scores))
	for c := range scores {
		if c != pii.NotEntity {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	best, bestScore := category, orig
	for _, c := range cats {
		if scores[c] > bestScore {
			best, bestScore = c, scores[c]
		}
	}

	if notScore, ok := scores[pii.NotEntity]; ok && notScore-bestScore >= v.th.Margin {
		return Result{Action: Reject, Original: category, Category: category, Score: notScore,
			Margin: notScore - bestScore, Reason: "closer to non-entity reference"}
	}

	margin := bestScore - orig
	switch {
	case best == category:
		return Result{Action: Keep, Original: category, Category: category, Score: orig,
			Reason: "original category scores highest"}
	case margin >= v.th.Margin && bestScore >= v.th.Absolute:
		return Result{Action: Reclassify, Original: category, Category: best, Score: bestScore,
			Margin: margin, Reason: fmt.Sprintf("%s beats %s by %.3f", best, category, margin)}
	case margin > 0 && margin < v.th.Review:
		return Result{Action: FlagForReview, Original: category, Category: category, Score: bestScore,
			Margin: margin, Reason: fmt.Sprintf("%s and %s are too close to call", best, category)}
	default:
		return Result{Action: Keep, Original: category, Category: category, Score: orig,
			Margin: margin, Reason: "insufficient evidence to reclassify"}
	}
}

// vector embeds the entity and, when available, its surrounding text, and
// blends the two.
func (v *Validator) vector(ctx context.Context, oracle Oracle, text, fullText string, span pii.Span) ([]float64, error) {
	entity, err := v.embed(ctx, oracle, text)
	if err != nil {
		return nil, err
	}
	window := contextWindow(fullText, span, v.contextWindow)
	if window == "" || window == text {
		return entity, nil
	}
	around, err := v.embed(ctx, oracle, window)
	if err != nil || len(around) != len(entity) {
		return entity, nil
	}
	blended := make([]float64, len(entity))
	for i := range entity {
		blended[i] = (1-contextWeight)*entity[i] + contextWeight*around[i]
	}
	return blended, nil
}

// embed memoizes oracle calls; concurrent requests for one text share a
// single call. The shared call runs detached from any one caller's
// cancellation, and each caller stops waiting when its own ctx is done.
func (v *Validator) embed(ctx context.Context, oracle Oracle, text string) ([]float64, error) {
	if vec, ok := v.embedded.get(text); ok {
		return vec, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := v.group.DoChan(text, func() (interface{}, error) {
		if cached, ok := v.embedded.get(text); ok {
			return cached, nil
		}
		vec, err := oracle.Embed(shared, text)
		if err != nil {
			return nil, err
		}
		v.embedded.put(text, vec)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float64), nil
	}
}

func contextWindow(fullText string, span pii.Span, n int) string {
	if n <= 0 || fullText == "" || !span.ValidIn(fullText) {
		return ""
	}
	start, end := span.Start-n, span.End+n
	if start < 0 {
		start = 0
	}
	if end > len(fullText) {
		end = len(fullText)
	}
	for start > 0 && !utf8.RuneStart(fullText[start]) {
		start--
	}
	for end < len(fullText) && !utf8.RuneStart(fullText[end]) {
		end++
	}
	return strings.TrimSpace(fullText[start:end])
}
