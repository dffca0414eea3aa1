package glossary

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/dativo-io/anonimiza/internal/checksum"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var honorifics = map[string]bool{
	"d": true, "da": true, "dna": true, "don": true, "dona": true,
	"sr": true, "sra": true, "srta": true, "sres": true, "sras": true,
	"dr": true, "dra": true, "excmo": true, "excma": true, "ilmo": true, "ilma": true,
	"senor": true, "senora": true,
}

var legalSuffixes = map[string]bool{
	"sl": true, "sa": true, "slu": true, "sau": true, "sll": true, "slp": true,
	"sal": true, "slne": true, "srl": true, "sc": true, "scoop": true, "coop": true,
	"cb": true, "aie": true,
}

var legalSuffixPhrases = []string{
	"sociedad limitada unipersonal",
	"sociedad anonima unipersonal",
	"sociedad limitada",
	"sociedad anonima",
	"sociedad cooperativa",
}

// Normalize returns the lookup form of value for category. Two surface
// forms with the same lookup form share one alias.
//
//	PERSON        "D. José Núñez"        -> "jose nunez"
//	ORGANIZATION  "Acme Servicios, S.L." -> "acme servicios"
//	DNI           "12.345.678-z"         -> "12345678Z"
func Normalize(category pii.Category, value string) string {
	switch category {
	case pii.Person:
		return stripHonorifics(fold(value))
	case pii.Organization:
		return organizationKey(value)
	case pii.Email:
		return strings.ToLower(strings.TrimSpace(width.Fold.String(value)))
	case pii.Phone:
		return phoneKey(value)
	case pii.Location, pii.Address, pii.Date:
		return strings.Trim(fold(value), " ,.;:")
	}
	if info, ok := pii.Lookup(category); ok && !info.Semantic {
		return checksum.Clean(width.Fold.String(value))
	}
	return fold(value)
}

// fold case-folds, removes diacritics, narrows full-width forms and
// collapses whitespace.
func fold(s string) string {
	t := transform.Chain(width.Fold, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

// unmark is fold without the case folding.
func unmark(s string) string {
	t := transform.Chain(width.Fold, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

func stripHonorifics(s string) string {
	tokens := strings.Fields(s)
	i := 0
	for i < len(tokens)-1 {
		if !honorifics[strings.Trim(tokens[i], ".ªº")] {
			break
		}
		i++
	}
	return strings.Join(tokens[i:], " ")
}

// organizationKey strips legal-form suffixes and folds. It is applied until
// the result stops changing, so a stored key normalizes to itself.
func organizationKey(value string) string {
	s := value
	for i := 0; i < 4; i++ {
		next := fold(stripLegalSuffix(unmark(s)))
		if next == s {
			break
		}
		s = next
	}
	return s
}

// stripLegalSuffix removes trailing company forms from a case-preserved
// name. A short form counts only when it is written as one: dotted
// ("S.L.", "S. Coop."), set off by a comma (", SL"), or in capitals after
// a name that is not ("Acme Servicios SL"). "Industrias de la Sal" keeps
// its last word.
func stripLegalSuffix(s string) string {
	for {
		s = strings.TrimRight(s, " ,")
		if rest, ok := cutLegalPhrase(s); ok {
			s = rest
			continue
		}
		tokens := strings.Fields(s)
		stripped := false
		for n := min(3, len(tokens)-1); n >= 1; n-- {
			head, tail := tokens[:len(tokens)-n], strings.Join(tokens[len(tokens)-n:], "")
			key := strings.ToLower(strings.NewReplacer(".", "", ",", "").Replace(tail))
			if !legalSuffixes[key] {
				continue
			}
			punctuated := strings.Contains(tail, ".") || strings.HasSuffix(head[len(head)-1], ",")
			shouted := tail == strings.ToUpper(tail) && hasLower(strings.Join(head, " "))
			if punctuated || shouted {
				s = strings.Join(head, " ")
				stripped = true
				break
			}
		}
		if !stripped {
			return strings.TrimRight(s, " ,.")
		}
	}
}

func cutLegalPhrase(s string) (string, bool) {
	for _, phrase := range legalSuffixPhrases {
		n := len(s) - len(phrase)
		if n < 1 || s[n-1] != ' ' || !strings.EqualFold(s[n:], phrase) {
			continue
		}
		return strings.TrimRight(s[:n-1], " ,"), true
	}
	return "", false
}

func hasLower(s string) bool {
	return strings.IndexFunc(s, unicode.IsLower) >= 0
}

func phoneKey(value string) string {
	digits := strings.Map(func(r rune) rune {
		if r == '(' || r == ')' || r == '+' {
			return -1
		}
		return r
	}, checksum.Clean(width.Fold.String(value)))
	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "0034"):
		return digits[4:]
	case len(digits) == 11 && strings.HasPrefix(digits, "34"):
		return digits[2:]
	}
	return digits
}
