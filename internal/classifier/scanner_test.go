package classifier

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/anonimiza/internal/pii"
)

func detect(t *testing.T, s *Scanner, text string, min float64) []pii.Detection {
	t.Helper()
	out, err := s.Detect(context.Background(), text, nil, min)
	require.NoError(t, err)
	return out
}

func findCategory(ds []pii.Detection, c pii.Category) []pii.Detection {
	var out []pii.Detection
	for _, d := range ds {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

func TestScannerDetectsSpanishEntities(t *testing.T) {
	s := MustNewScanner()

	tests := []struct {
		name     string
		text     string
		category pii.Category
		value    string
	}{
		{"dni", "El demandado, con DNI 12345678Z, comparece.", pii.DNI, "12345678Z"},
		{"nie", "con NIE X1234567L y domicilio", pii.NIE, "X1234567L"},
		{"cif", "la sociedad con CIF B12345674 reclama", pii.CIF, "B12345674"},
		{"iban", "cuenta ES9121000418450200051332 del actor", pii.IBAN, "ES9121000418450200051332"},
		{"nss", "NSS 281234567840", pii.NSS, "281234567840"},
		{"email", "correo juan.perez@example.com.", pii.Email, "juan.perez@example.com"},
		{"phone with label", "teléfono 600123456", pii.Phone, "600123456"},
		{"case number after label", "Autos nº 548/2025-D7 seguidos", pii.CaseNumber, "548/2025-D7"},
		{"numeric date", "firmado el 05/03/2024 en", pii.Date, "05/03/2024"},
		{"written date", "Auto de 28 de octubre de 2025", pii.Date, "28 de octubre de 2025"},
		{"roman day", "a XV de marzo del 2024", pii.Date, "XV de marzo del 2024"},
		{"person with honorific", "comparece D. Juan García López, mayor de edad", pii.Person, "Juan García López"},
		{"company", "la mercantil Construcciones Pérez S.L. demandó", pii.Organization, "Construcciones Pérez S.L."},
		{"venue", "Juzgado de Primera Instancia nº 3 de Madrid, en el", pii.Location, "Madrid"},
		{"upper-case venue", "JUZGADO DE PRIMERA INSTANCIA Nº 3 DE SEVILLA\nSENTENCIA", pii.Location, "SEVILLA"},
		{"upper-case venue two words", "JUZGADO DE LO SOCIAL Nº 2 DE ALCALÁ DE HENARES, autos", pii.Location, "ALCALÁ DE HENARES"},
		{"upper-case provincial court", "AUDIENCIA PROVINCIAL DE CÁDIZ\nSección 1ª", pii.Location, "CÁDIZ"},
		{"ecli", "ECLI:ES:TS:2020:1234", pii.ECLI, "ECLI:ES:TS:2020:1234"},
		{"cadastral", "finca 9872023VH5797S0001WX inscrita", pii.CadastralRef, "9872023VH5797S0001WX"},
		{"postal code", "C.P. 28001 Madrid", pii.PostalCode, "28001"},
		{"ip", "desde la IP 192.168.1.100 se", pii.IPAddress, "192.168.1.100"},
		{"bar number", "letrado colegiado nº 12345 del", pii.ProfessionalID, "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findCategory(detect(t, s, tt.text, 0), tt.category)
			require.NotEmpty(t, got, "no %s in %q", tt.category, tt.text)
			assert.Equal(t, tt.value, got[0].Value)
			assert.Equal(t, tt.value, tt.text[got[0].Span.Start:got[0].Span.End])
			assert.True(t, got[0].Span.ValidIn(tt.text))
			assert.Equal(t, SourceName, got[0].Source)
		})
	}
}

func TestValidatorPassRaisesConfidence(t *testing.T) {
	got := findCategory(detect(t, MustNewScanner(), "DNI 12345678Z", 0), pii.DNI)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)
	require.NotNil(t, got[0].ChecksumValid)
	assert.True(t, *got[0].ChecksumValid)
}

func TestValidatorFailureScalesConfidence(t *testing.T) {
	s := MustNewScanner()

	assert.Empty(t, findCategory(detect(t, s, "DNI 12345678A", 0), pii.DNI),
		"0.6*0.7 is below the default minimum")

	got := findCategory(detect(t, s, "DNI 12345678A", 0.3), pii.DNI)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.42, got[0].Confidence, 1e-9)
	require.NotNil(t, got[0].ChecksumValid)
	assert.False(t, *got[0].ChecksumValid)
}

func TestValidatorNeutralKeepsBase(t *testing.T) {
	got := findCategory(detect(t, MustNewScanner(), "ref ZZ12ABCD1234EFGH", 0.3), pii.IBAN)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.4, got[0].Confidence, 1e-9)
	assert.Nil(t, got[0].ChecksumValid)
	assert.Contains(t, got[0].ChecksumReason, "cannot validate")
}

func TestContextWordLiftsUncheckedMatch(t *testing.T) {
	s := MustNewScanner(WithCustomRecognizers([]RecognizerConfig{{
		Name:            "file ref",
		SupportedEntity: "CASE_NUMBER",
		Context:         []string{"Expediente"},
		Patterns:        []PatternConfig{{Name: "p", Regex: `\bQX-\d{4}\b`, Score: 0.4}},
	}}))

	assert.Empty(t, findCategory(detect(t, s, "ref QX-1234 archivada", 0), pii.CaseNumber),
		"0.4 without context stays below the default minimum")

	got := findCategory(detect(t, s, "en el expediente administrativo QX-1234", 0), pii.CaseNumber)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.55, got[0].Confidence, 1e-9)

	far := "expediente " + strings.Repeat("x", ContextWindow) + " QX-1234"
	assert.Empty(t, findCategory(detect(t, s, far, 0), pii.CaseNumber), "context outside the window")
}

func TestContextBoostSkipsCheckedAndCaps(t *testing.T) {
	s := MustNewScanner()

	// A failed checksum is not lifted by its context word.
	got := findCategory(detect(t, s, "con DNI 12345678A", 0.3), pii.DNI)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.42, got[0].Confidence, 1e-9)

	// The label consumed by the pattern does not count as context.
	cases := findCategory(detect(t, s, "Autos nº 548/2025-D7", 0), pii.CaseNumber)
	require.Len(t, cases, 1)
	assert.Equal(t, 0.9, cases[0].Confidence)

	// A second label after the match lifts it, capped below a passed checksum.
	cases = findCategory(detect(t, s, "Autos nº 548/2025-D7, expediente de origen", 0), pii.CaseNumber)
	require.Len(t, cases, 1)
	assert.Equal(t, MaxContextConfidence, cases[0].Confidence)
}

func TestDuplicateSpanKeepsFirstRule(t *testing.T) {
	s := MustNewScanner(WithCustomRecognizers([]RecognizerConfig{
		{Name: "first", SupportedEntity: "CASE_NUMBER", Patterns: []PatternConfig{{Name: "p", Regex: `\bZZ\d{3}\b`, Score: 0.6}}},
		{Name: "second", SupportedEntity: "PROFESSIONAL_ID", Patterns: []PatternConfig{{Name: "p", Regex: `\bZZ\d{3}\b`, Score: 0.9}}},
	}))
	got := detect(t, s, "ref ZZ123 fin", 0)
	require.Len(t, got, 1)
	assert.Equal(t, pii.CaseNumber, got[0].Category)

	// The bare case-number rule finds the same span as the labelled one.
	cases := findCategory(detect(t, s, "Autos nº 548/2025-D7", 0), pii.CaseNumber)
	require.Len(t, cases, 1)
	assert.Equal(t, 0.9, cases[0].Confidence)
}

func TestSameSpanFromTwoIBANRules(t *testing.T) {
	got := detect(t, MustNewScanner(), "ES9121000418450200051332", 0)
	require.Len(t, got, 1)
	assert.Equal(t, pii.IBAN, got[0].Category)
}

func TestCategoryFilter(t *testing.T) {
	s := MustNewScanner()
	text := "D. Juan García, DNI 12345678Z, correo juan@example.com"
	got, err := s.Detect(context.Background(), text, pii.NewCategorySet(pii.Email), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pii.Email, got[0].Category)
}

func TestDetectSortedByStart(t *testing.T) {
	got := detect(t, MustNewScanner(), "correo a@b.es y DNI 12345678Z del 05/03/2024", 0)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Span.Start, got[i].Span.Start)
	}
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MustNewScanner().Detect(ctx, "DNI 12345678Z", nil, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPlainTextHasNoDetections(t *testing.T) {
	got := detect(t, MustNewScanner(), "el recurso se desestima con imposición de costas", 0)
	assert.Empty(t, got)
}

func TestScannerOptions(t *testing.T) {
	s, err := NewScanner(WithEnabledEntities([]string{"DNI"}), WithMinScore(0.95))
	require.NoError(t, err)
	for _, r := range s.Rules() {
		assert.Equal(t, pii.DNI, r.Category)
	}
	assert.Empty(t, detect(t, s, "DNI 12345678A", 0), "invalid checksum is below 0.95")
	assert.Len(t, detect(t, s, "DNI 12345678Z", 0), 1)

	s, err = NewScanner(WithDisabledEntities([]string{"EMAIL"}))
	require.NoError(t, err)
	assert.Empty(t, detect(t, s, "a@b.es", 0))

	_, err = NewScanner(WithCustomRecognizers([]RecognizerConfig{{Name: "bad", SupportedEntity: "NOPE"}}))
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestLocateGroupModes(t *testing.T) {
	concat := Rule{GroupMode: GroupConcat}
	start, end, ok := concat.locate([]int{0, 10, -1, -1, 2, 5, 6, 9})
	require.True(t, ok)
	assert.Equal(t, 2, start)
	assert.Equal(t, 9, end)

	first := Rule{GroupMode: GroupFirst}
	_, _, ok = first.locate([]int{0, 10, -1, -1})
	assert.False(t, ok)

	whole := Rule{GroupMode: GroupWhole}
	_, _, ok = whole.locate([]int{3, 3})
	assert.False(t, ok, "empty matches are never entities")
}
