package anonymize

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/anonimiza/internal/classifier"
	"github.com/dativo-io/anonimiza/internal/detector"
	"github.com/dativo-io/anonimiza/internal/entitycheck"
	"github.com/dativo-io/anonimiza/internal/exportgate"
	"github.com/dativo-io/anonimiza/internal/glossary"
	"github.com/dativo-io/anonimiza/internal/pii"
)

const sample = "El demandante D. Juan Pérez, con DNI 12345678Z, firmó el 28 de octubre de 2025. Después Juan Pérez reclamó en Madrid."

func at(t *testing.T, text, needle string, nth int) pii.Span {
	t.Helper()
	from := 0
	for i := 0; ; i++ {
		idx := strings.Index(text[from:], needle)
		require.GreaterOrEqual(t, idx, 0, "%q occurrence %d not found", needle, nth)
		start := from + idx
		if i == nth {
			return pii.Span{Start: start, End: start + len(needle), Text: needle}
		}
		from = start + len(needle)
	}
}

// nerSource plays the external model: it finds the bare second mention and
// the town the patterns cannot see.
func nerSource(t *testing.T) detector.Source {
	return detector.NewStatic("ner",
		pii.Detection{Category: pii.Person, Span: at(t, sample, "Juan Pérez", 1), Confidence: 0.85},
		pii.Detection{Category: pii.Location, Span: at(t, sample, "Madrid", 0), Confidence: 0.8},
	)
}

func newEngine(t *testing.T, opts ...EngineOption) *Engine {
	return NewEngine([]detector.Source{classifier.MustNewScanner(), nerSource(t)}, opts...)
}

func TestAnonymizeEndToEnd(t *testing.T) {
	ctx := context.Background()
	project := NewProject("caso-1")
	shifted, err := project.Dates.ShiftText("28 de octubre de 2025")
	require.NoError(t, err)

	res, err := newEngine(t).Anonymize(ctx, project, "doc-1", sample)
	require.NoError(t, err)

	want := "El demandante D. PERSONA_1, con DNI DNI_1, firmó el " + shifted + ". Después PERSONA_1 reclamó en LUGAR_1."
	assert.Equal(t, want, res.Text)
	assert.Len(t, res.Replacements, 5)
	assert.Empty(t, res.Review)

	assert.Equal(t, 2, res.Stats.Counts[pii.Person])
	assert.Equal(t, 1, res.Stats.Counts[pii.DNI])
	assert.Equal(t, 1, res.Stats.Counts[pii.Date])
	assert.Equal(t, 1, res.Stats.DatesShifted)
	assert.Equal(t, 3, res.Stats.AliasesNew)

	for _, r := range res.Replacements {
		assert.Equal(t, r.Original, sample[r.Span.Start:r.Span.End])
	}
	date := res.Replacements[2]
	assert.Equal(t, KindShifted, date.Kind)
	assert.Equal(t, shifted, date.Replacement)
}

func TestAliasesStableAcrossDocuments(t *testing.T) {
	ctx := context.Background()
	project := NewProject("caso-1")
	e := newEngine(t)

	_, err := e.Anonymize(ctx, project, "doc-1", sample)
	require.NoError(t, err)

	second := "Don Juan Pérez comparece junto a Doña Ana Gil."
	res, err := NewEngine([]detector.Source{classifier.MustNewScanner()}).Anonymize(ctx, project, "doc-2", second)
	require.NoError(t, err)
	assert.Equal(t, "Don PERSONA_1 comparece junto a Doña PERSONA_2.", res.Text)

	m, ok := project.Glossary.Lookup("juan perez", pii.Person)
	require.True(t, ok)
	assert.Equal(t, 3, m.Occurrences)
	assert.Equal(t, "doc-1", m.FirstDocumentID)
}

func TestUserAliasIsUsed(t *testing.T) {
	ctx := context.Background()
	project := NewProject("caso-1")
	_, _, err := project.Glossary.GetOrAssign(ctx, "Juan Pérez", pii.Person, "setup")
	require.NoError(t, err)
	_, err = project.Glossary.Update(ctx, "Juan Pérez", pii.Person, "EL_DEMANDANTE")
	require.NoError(t, err)

	res, err := newEngine(t).Anonymize(ctx, project, "doc-1", sample)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "D. EL_DEMANDANTE, con DNI")
	assert.Contains(t, res.Text, "Después EL_DEMANDANTE reclamó")
}

type vectorOracle map[string][]float64

func (o vectorOracle) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := o[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0, 0}, nil
}

func TestEntityCheckAndGate(t *testing.T) {
	ctx := context.Background()
	refs := entitycheck.References{
		pii.Person:       {1, 0, 0, 0},
		pii.Organization: {0, 1, 0, 0},
		pii.Location:     {0, 0, 1, 0},
		pii.NotEntity:    {0, 0, 0, 1},
	}
	oracle := vectorOracle{
		"Madrid":     {0.1, 0, 0, 1},
		"Juan Pérez": {1, 1.03, 0, 0},
	}
	gate, err := exportgate.New(ctx, exportgate.DefaultRules())
	require.NoError(t, err)

	e := newEngine(t,
		WithValidator(entitycheck.NewWithOracle(oracle, refs, entitycheck.WithContextWindow(0))),
		WithGate(gate),
	)
	res, err := e.Anonymize(ctx, NewProject("caso-1"), "doc-1", sample)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Rejected)
	assert.True(t, strings.HasSuffix(res.Text, "reclamó en Madrid."))
	require.Len(t, res.Review, 2)
	for _, item := range res.Review {
		assert.Equal(t, pii.Person, item.Category)
		assert.True(t, item.HighRisk)
		assert.Equal(t, "PERSONA_1", res.Replacements[item.Index].Replacement)
	}
	assert.Equal(t, 2, res.PendingHighRisk())

	d, err := e.Gate(ctx, "sentencia", res)
	require.NoError(t, err)
	assert.False(t, d.CanExport)
	assert.False(t, d.Results[0].Passed)
	assert.Equal(t, exportgate.SafetyLatch, d.Results[0].Name)
}

func TestGateAllowsCleanResult(t *testing.T) {
	ctx := context.Background()
	gate, err := exportgate.New(ctx, exportgate.DefaultRules())
	require.NoError(t, err)
	e := newEngine(t, WithGate(gate))

	res, err := e.Anonymize(ctx, NewProject("caso-1"), "doc-1", sample)
	require.NoError(t, err)
	d, err := e.Gate(ctx, "sentencia", res)
	require.NoError(t, err)
	assert.True(t, d.CanExport)
	assert.Empty(t, d.Failed())

	_, err = NewEngine(nil).Gate(ctx, "sentencia", res)
	assert.Error(t, err)
}

func TestCategoryFilter(t *testing.T) {
	e := newEngine(t, WithCategories(pii.NewCategorySet(pii.DNI)))
	res, err := e.Anonymize(context.Background(), NewProject("p"), "doc", sample)
	require.NoError(t, err)
	require.Len(t, res.Replacements, 1)
	assert.Equal(t, pii.DNI, res.Replacements[0].Category)
	assert.Contains(t, res.Text, "D. Juan Pérez")
}

func TestFailingSourceDoesNotAbort(t *testing.T) {
	broken := detector.NewRemote(detector.RemoteConfig{Name: "ner", Endpoint: "http://127.0.0.1:1/detect", HealthURL: "http://127.0.0.1:1/health"})
	e := NewEngine([]detector.Source{classifier.MustNewScanner(), broken})
	res, err := e.Anonymize(context.Background(), NewProject("p"), "doc", sample)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.SourceErrors)
	assert.Contains(t, res.Text, "DNI_1")

	// The failed health probe is permanent: later runs skip the source.
	res, err = e.Anonymize(context.Background(), NewProject("p"), "doc", sample)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 0, res.Stats.SourceErrors)
}

func TestUnshiftableDateFallsBackToAlias(t *testing.T) {
	project := NewProject("caso-1")
	edge := "31/12/9999"
	if project.Dates.Delta() < 0 {
		edge = "01/01/1000"
	}
	text := "firmado el " + edge + " en la sede"

	// The rule table only knows 19xx and 20xx years, so a model supplies the date.
	ner := detector.NewStatic("ner", pii.Detection{Category: pii.Date, Span: at(t, text, edge, 0), Confidence: 0.9})
	res, err := NewEngine([]detector.Source{ner}).Anonymize(context.Background(), project, "doc-1", text)
	require.NoError(t, err)

	dates := 0
	for _, r := range res.Replacements {
		if r.Category == pii.Date {
			dates++
			assert.Equal(t, KindAlias, r.Kind)
		}
	}
	assert.Equal(t, 1, dates)
	assert.NotContains(t, res.Text, edge)
	assert.Equal(t, 0, res.Stats.DatesShifted)
}

func TestAnonymizeEdgeCases(t *testing.T) {
	e := newEngine(t)
	_, err := e.Anonymize(context.Background(), nil, "doc", sample)
	assert.ErrorIs(t, err, ErrNoProject)

	res, err := e.Anonymize(context.Background(), NewProject("p"), "doc", "")
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)
	assert.Empty(t, res.Replacements)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Anonymize(ctx, NewProject("p"), "doc", sample)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProjectsRegistryPersists(t *testing.T) {
	ctx := context.Background()
	store, err := glossary.NewStore(filepath.Join(t.TempDir(), "g.db"))
	require.NoError(t, err)
	defer store.Close()

	projects := NewProjects(glossary.NewRegistry(store))
	p, err := projects.Get(ctx, "caso-1")
	require.NoError(t, err)
	same, err := projects.Get(ctx, "caso-1")
	require.NoError(t, err)
	assert.Same(t, p, same)

	_, err = newEngine(t).Anonymize(ctx, p, "doc-1", sample)
	require.NoError(t, err)
	require.NoError(t, projects.Save(ctx, "caso-1"))

	reopened, err := NewProjects(glossary.NewRegistry(store)).Get(ctx, "caso-1")
	require.NoError(t, err)
	m, ok := reopened.Glossary.Lookup("Juan Pérez", pii.Person)
	require.True(t, ok)
	assert.Equal(t, "PERSONA_1", m.Alias)
	assert.Equal(t, p.Dates.Delta(), reopened.Dates.Delta())
}

func TestRewriteSkipsOverlaps(t *testing.T) {
	reps := []Replacement{
		{Span: pii.Span{Start: 4, End: 7}, Replacement: "B"},
		{Span: pii.Span{Start: 0, End: 3}, Replacement: "A"},
		{Span: pii.Span{Start: 5, End: 9}, Replacement: "X"},
	}
	assert.Equal(t, "A B ghi", rewrite("abc def ghi", reps))
	assert.Equal(t, "same", rewrite("same", nil))
}
