package normalize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = []string{
	"",
	"a",
	"Sentencia de 28 de octubre de 2025",
	"José\u0301 Garci\u0301a",
	"Linea uno\r\nLinea dos\rLinea tres",
	"Ro\u200Bdríguez\u202Econ\uFEFF",
	"DNI: １２３４５６７８Ｚ",
	"IBAN ES91 2100 0418 4502 0005 1332.",
	"D. Fer-\n  nández y Mar\u00ADtínez",
	"«Auto» — “cita” ‘simple’",
	"\u0410na \u0420\u0435rez",
	"tabs\t\there   and\u00A0there",
	"12 345 678 Z vive aquí",
	"bad \xff bytes \x01 ctrl",
	"\u200B\u200B\u200B",
	"Jose\u200b\u0301 Nu\u00adñez",
	"Garci\x01\u0301a",
}

func TestToOriginalSpanAlwaysValid(t *testing.T) {
	for _, raw := range corpus {
		for _, m := range []*Mapping{Ingest(raw), ForDetection(raw)} {
			n := len(m.Normalized())
			for ns := -1; ns <= n+1; ns++ {
				for ne := ns - 1; ne <= n+1; ne++ {
					span, err := m.ToOriginalSpan(ns, ne)
					if raw == "" {
						require.ErrorIs(t, err, ErrEmptySource)
						continue
					}
					require.NoError(t, err)
					require.GreaterOrEqual(t, span.Start, 0, "raw=%q ns=%d ne=%d", raw, ns, ne)
					require.Less(t, span.Start, span.End, "raw=%q ns=%d ne=%d", raw, ns, ne)
					require.LessOrEqual(t, span.End, len(raw), "raw=%q ns=%d ne=%d", raw, ns, ne)
					require.Equal(t, raw[span.Start:span.End], span.Text)
					require.True(t, span.Start == 0 || utf8.RuneStart(raw[span.Start]))
					require.True(t, span.End == len(raw) || utf8.RuneStart(raw[span.End]))
				}
			}
		}
	}
}

func TestCharMapMonotonic(t *testing.T) {
	for _, raw := range corpus {
		m := ForDetection(raw)
		for i := 1; i < len(m.charMap); i++ {
			require.LessOrEqual(t, m.charMap[i-1], m.charMap[i], "raw=%q", raw)
			require.LessOrEqual(t, m.unitEnd[i-1], m.unitEnd[i], "raw=%q", raw)
		}
		require.Len(t, m.charMap, len(m.Normalized()))
	}
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"nfc", "Jose\u0301", "José"},
		{"nfc across zero width", "Jose\u200b\u0301", "José"},
		{"nfc across control char", "Garci\x01\u0301a", "García"},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"line separator", "a\u2028b", "a\nb"},
		{"zero width", "Ro\u200Bdrí\u200Dguez", "Rodríguez"},
		{"bidi marks", "\u202Aabc\u202C", "abc"},
		{"control chars", "a\x01b\x7fc\td", "abc\td"},
		{"invalid utf8", "a\xffb", "a\uFFFDb"},
		{"untouched", "Sentencia nº 12/2024", "Sentencia nº 12/2024"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Ingest(tt.raw).Normalized())
		})
	}
}

func TestIngestIdempotent(t *testing.T) {
	for _, raw := range corpus {
		once := Ingest(raw).Normalized()
		assert.Equal(t, once, Ingest(once).Normalized(), "raw=%q", raw)
	}
}

func TestForDetection(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"full width digits", "DNI １２３４５６７８Ｚ", "DNI 12345678Z"},
		{"spaced iban", "ES91 2100 0418 4502 0005 1332", "ES9121000418450200051332"},
		{"spaced phone", "tel. 600 123 456", "tel. 600123456"},
		{"spaced dni letter", "12 345 678 Z", "12345678Z"},
		{"short numbers untouched", "en 2024 15 personas", "en 2024 15 personas"},
		{"quotes", "«Auto» “x” ‘y’", `"Auto" "x" 'y'`},
		{"dashes", "2020–2021 — fin", "2020-2021 - fin"},
		{"homoglyph", "\u0410na P\u0435rez", "Ana Perez"},
		{"soft hyphen", "Mar\u00ADtínez", "Martínez"},
		{"line break hyphen", "Fer-\n  nández", "Fernández"},
		{"real hyphen kept", "Sánchez-\nMoreno", "Sánchez-\nMoreno"},
		{"whitespace runs", "a   b\t\tc\u00A0d", "a b c d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForDetection(tt.raw).Normalized())
		})
	}
}

func TestForDetectionProjectsBack(t *testing.T) {
	raw := "Titular: D. Juan, IBAN ES91 2100 0418 4502 0005 1332, DNI １２３４５６７８Ｚ."
	m := ForDetection(raw)
	norm := m.Normalized()

	iban := "ES9121000418450200051332"
	ns := strings.Index(norm, iban)
	require.GreaterOrEqual(t, ns, 0)
	span, err := m.ToOriginalSpan(ns, ns+len(iban))
	require.NoError(t, err)
	assert.Equal(t, "ES91 2100 0418 4502 0005 1332", span.Text)

	dni := "12345678Z"
	ns = strings.Index(norm, dni)
	require.GreaterOrEqual(t, ns, 0)
	span, err = m.ToOriginalSpan(ns, ns+len(dni))
	require.NoError(t, err)
	assert.Equal(t, "１２３４５６７８Ｚ", span.Text)
}

func TestToOriginalSpanDegenerate(t *testing.T) {
	m := Ingest("abc")
	span, err := m.ToOriginalSpan(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, span.Start)
	assert.Equal(t, 2, span.End)

	span, err = m.ToOriginalSpan(3, 3)
	require.NoError(t, err)
	assert.Equal(t, "c", span.Text)

	allSkipped := Ingest("\u200B\u200B")
	assert.Equal(t, "", allSkipped.Normalized())
	span, err = allSkipped.ToOriginalSpan(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "\u200B\u200B", span.Text)
}

func TestReplaceMapsToRangeStart(t *testing.T) {
	b := NewBuilder("xxABCyy")
	b.Keep(2)
	b.Replace(3, "Z")
	b.Skip(1)
	b.Keep(1)
	m := b.Mapping()
	assert.Equal(t, "xxZy", m.Normalized())
	assert.Equal(t, 2, m.ToOriginal(2))
	span, err := m.ToOriginalSpan(2, 3)
	require.NoError(t, err)
	assert.Equal(t, "ABC", span.Text)
	assert.Equal(t, len("xxABCyy"), m.ToOriginal(4))
}

func TestThenMismatch(t *testing.T) {
	_, err := Ingest("abc").Then(Identity("xyz"))
	require.ErrorIs(t, err, ErrMappingMismatch)
}
