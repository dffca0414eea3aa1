package consolidate

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dativo-io/anonimiza/internal/dateshift"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var (
	caseNumberRe = regexp.MustCompile(`(?:^|\s)(\d{1,5}/\d{4}(?:-[A-Z0-9]+)?)$`)

	// venueHeaderRe matches a court header that ends right where the
	// candidate starts: "Juzgado de lo Social nº 2 de ", "Audiencia
	// Provincial de ".
	venueHeaderRe = regexp.MustCompile(`(?i)(?:(?:juzgado|tribunal|sala|secci[oó]n)\b[^\n]{0,100}(?:n[º°o]\.?|n[uú]m(?:ero)?\.?)\s*\d{1,3}\s+de\s+|audiencia\s+provincial\s+de\s+)$`)
)

// venueWindow is how far back the venue header is searched.
const venueWindow = 160

// Override applies the structural grammars to a kept span, in order: date,
// case number, venue. It returns the forced category and the span it
// applies to. Date and case-number grammars may sit at the end of a longer
// span ("Auto de 28 de octubre de 2025"); the returned span is then narrowed
// to the matched part.
func Override(raw string, span pii.Span) (pii.Category, pii.Span, bool) {
	text := span.Text

	if dates := dateshift.FindAll(text); len(dates) > 0 {
		last := dates[len(dates)-1]
		if strings.TrimSpace(text[last[1]:]) == "" {
			return pii.Date, narrow(raw, span, last[0], last[1]), true
		}
	}

	trimmed := strings.TrimRight(text, " \t\n")
	if m := caseNumberRe.FindStringSubmatchIndex(trimmed); m != nil {
		return pii.CaseNumber, narrow(raw, span, m[2], m[3]), true
	}

	if followsVenueHeader(raw, span.Start) {
		return pii.Location, span, true
	}
	return "", span, false
}

func narrow(raw string, span pii.Span, from, to int) pii.Span {
	if from == 0 && to == span.Len() {
		return span
	}
	ns, err := pii.NewSpan(raw, span.Start+from, span.Start+to)
	if err != nil {
		return span
	}
	return ns
}

func followsVenueHeader(raw string, start int) bool {
	from := start - venueWindow
	if from < 0 {
		from = 0
	}
	for from < start && !utf8.RuneStart(raw[from]) {
		from++
	}
	return venueHeaderRe.MatchString(raw[from:start])
}
