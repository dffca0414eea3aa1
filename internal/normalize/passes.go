package normalize

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// rule inspects src at offset i. When it applies it returns how many bytes
// it consumes and what it emits: the same bytes (keep), nothing (skip), or a
// replacement.
type rule func(src string, i int) (n int, out string, ok bool)

// run applies the first matching rule at each position; positions no rule
// claims are kept one rune at a time.
func run(src string, rules []rule) *Mapping {
	b := NewBuilder(src)
	for !b.Done() {
		i := b.Pos()
		applied := false
		for _, r := range rules {
			n, out, ok := r(src, i)
			if !ok || n <= 0 {
				continue
			}
			if i+n > len(src) {
				n = len(src) - i
			}
			switch {
			case out == src[i:i+n]:
				b.Keep(n)
			case out == "":
				b.Skip(n)
			default:
				b.Replace(n, out)
			}
			applied = true
			break
		}
		if !applied {
			_, size := utf8.DecodeRuneInString(src[i:])
			b.Keep(size)
		}
	}
	return b.Mapping()
}

// Ingest performs the storage-time normalization: NFC canonicalization,
// line-ending unification, control-character stripping and removal of
// invisible formatting characters. It is idempotent.
func Ingest(raw string) *Mapping {
	// Cleanup runs first: a stripped zero-width or control character can
	// separate a base letter from its combining mark, and NFC must see
	// them adjacent.
	cleaned := run(raw, ingestRules)
	out, err := cleaned.Then(canonicalize(cleaned.Normalized()))
	if err != nil {
		// Unreachable: canonicalize is built over cleaned.Normalized().
		return cleaned
	}
	return out
}

// ForDetection performs the ingestion normalization plus the aggressive
// detection-time folding: quotes and dashes, full-width forms, homoglyphs,
// soft line breaks inside words, whitespace inside identifier-like digit
// runs, and repeated horizontal whitespace. The returned mapping projects
// straight back onto raw.
func ForDetection(raw string) *Mapping {
	m := Ingest(raw)
	for _, rules := range [][]rule{foldRules, spaceRules} {
		next := run(m.Normalized(), rules)
		chained, err := m.Then(next)
		if err != nil {
			return m
		}
		m = chained
	}
	return m
}

// canonicalize applies NFC segment by segment so each recomposed segment
// is recorded as a replacement of the raw bytes it consumed.
func canonicalize(src string) *Mapping {
	if norm.NFC.IsNormalString(src) {
		return Identity(src)
	}
	b := NewBuilder(src)
	var it norm.Iter
	it.InitString(norm.NFC, src)
	for !it.Done() {
		start := it.Pos()
		seg := string(it.Next())
		end := it.Pos()
		if end <= start {
			break
		}
		if seg == src[start:end] {
			b.Keep(end - start)
		} else {
			b.Replace(end-start, seg)
		}
	}
	return b.Mapping()
}

var ingestRules = []rule{lineEnding, invalidUTF8, controlChar, invisible}

var foldRules = []rule{softBreak, foldRune}

var spaceRules = []rule{identifierSpace, horizontalSpace}

func lineEnding(src string, i int) (int, string, bool) {
	switch {
	case src[i] == '\r' && i+1 < len(src) && src[i+1] == '\n':
		return 1, "", true
	case src[i] == '\r':
		return 1, "\n", true
	}
	r, size := utf8.DecodeRuneInString(src[i:])
	if r == '\u2028' || r == '\u2029' || r == '\u0085' {
		return size, "\n", true
	}
	return 0, "", false
}

func invalidUTF8(src string, i int) (int, string, bool) {
	r, size := utf8.DecodeRuneInString(src[i:])
	if r == utf8.RuneError && size == 1 {
		return 1, "\uFFFD", true
	}
	return 0, "", false
}

func controlChar(src string, i int) (int, string, bool) {
	r, size := utf8.DecodeRuneInString(src[i:])
	if r == '\n' || r == '\t' {
		return 0, "", false
	}
	if unicode.IsControl(r) {
		return size, "", true
	}
	return 0, "", false
}

func invisible(src string, i int) (int, string, bool) {
	r, size := utf8.DecodeRuneInString(src[i:])
	switch {
	case r == '\u200B', r == '\u200C', r == '\u200D', r == '\u2060', r == '\uFEFF':
		return size, "", true
	case r == '\u200E', r == '\u200F', r == '\u061C':
		return size, "", true
	case r >= '\u202A' && r <= '\u202E', r >= '\u2066' && r <= '\u2069':
		return size, "", true
	}
	return 0, "", false
}

// softBreak removes hyphenation inserted by layout: a soft hyphen anywhere,
// and "-\n" (optionally followed by indentation) between a letter and a
// lower-case letter.
func softBreak(src string, i int) (int, string, bool) {
	r, size := utf8.DecodeRuneInString(src[i:])
	if r != '-' && r != '\u00AD' {
		return 0, "", false
	}
	j := i + size
	if j < len(src) && src[j] == '\n' {
		prev, _ := utf8.DecodeLastRuneInString(src[:i])
		k := j + 1
		for k < len(src) && (src[k] == ' ' || src[k] == '\t') {
			k++
		}
		next, _ := utf8.DecodeRuneInString(src[k:])
		if unicode.IsLetter(prev) && unicode.IsLower(next) {
			return k - i, "", true
		}
	}
	if r == '\u00AD' {
		return size, "", true
	}
	return 0, "", false
}

var homoglyphs = map[rune]rune{
	// Cyrillic
	'\u0410': 'A', '\u0412': 'B', '\u0415': 'E', '\u041A': 'K', '\u041C': 'M', '\u041D': 'H', '\u041E': 'O',
	'\u0420': 'P', '\u0421': 'C', '\u0422': 'T', '\u0425': 'X', '\u0406': 'I', '\u0408': 'J', '\u0405': 'S',
	'\u0430': 'a', '\u0435': 'e', '\u043E': 'o', '\u0440': 'p', '\u0441': 'c', '\u0443': 'y', '\u0445': 'x',
	'\u0456': 'i', '\u0458': 'j', '\u0455': 's',
	// Greek
	'\u0391': 'A', '\u0392': 'B', '\u0395': 'E', '\u0396': 'Z', '\u0397': 'H', '\u0399': 'I', '\u039A': 'K',
	'\u039C': 'M', '\u039D': 'N', '\u039F': 'O', '\u03A1': 'P', '\u03A4': 'T', '\u03A5': 'Y', '\u03A7': 'X',
	'\u03BF': 'o',
}

// foldRune maps a single rune onto its canonical detection form.
func foldRune(src string, i int) (int, string, bool) {
	r, size := utf8.DecodeRuneInString(src[i:])
	if r < utf8.RuneSelf {
		return 0, "", false
	}
	switch r {
	case '\u201C', '\u201D', '\u201E', '\u201F', '\u00AB', '\u00BB', '\u2033':
		return size, `"`, true
	case '\u2018', '\u2019', '\u201A', '\u201B', '\u2039', '\u203A', '\u2032', '\u00B4':
		return size, "'", true
	case '\u2010', '\u2011', '\u2012', '\u2013', '\u2014', '\u2015', '\u2212', '\uFE58', '\uFE63':
		return size, "-", true
	}
	if lat, ok := homoglyphs[r]; ok {
		return size, string(lat), true
	}
	if p := width.LookupRune(r); p.Kind() == width.EastAsianFullwidth {
		if narrow := p.Narrow(); narrow != 0 && narrow != r {
			return size, string(narrow), true
		}
	}
	if unicode.Is(unicode.Zs, r) {
		return size, " ", true
	}
	return 0, "", false
}

func isHSpace(b byte) bool { return b == ' ' || b == '\t' }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isUpperASCII(b byte) bool { return b >= 'A' && b <= 'Z' }

func isAlnumASCII(b byte) bool { return isDigit(b) || isUpperASCII(b) || (b >= 'a' && b <= 'z') }

// identifierSpace drops the whitespace separating digit groups of an
// identifier-like sequence ("ES91 2100 0418 ...", "600 123 456",
// "12 345 678 Z") so pattern rules see one token.
func identifierSpace(src string, i int) (int, string, bool) {
	if i == 0 || !isHSpace(src[i]) || !isDigit(src[i-1]) {
		return 0, "", false
	}
	j := i
	for j < len(src) && isHSpace(src[j]) {
		j++
	}
	if j-i > 2 || j >= len(src) {
		return 0, "", false
	}
	before := digitsBackward(src, i)
	switch {
	case isDigit(src[j]):
		after := digitsForward(src, j)
		total := before + after
		if total >= 8 && total <= 30 {
			return j - i, "", true
		}
	case isUpperASCII(src[j]) && (j+1 == len(src) || !isAlnumASCII(src[j+1])):
		if before >= 7 && before <= 8 {
			return j - i, "", true
		}
	}
	return 0, "", false
}

// digitsBackward counts digits in the chain of single-space separated digit
// groups ending just before i.
func digitsBackward(src string, i int) int {
	total := 0
	k := i - 1
	for k >= 0 {
		group := 0
		for k >= 0 && isDigit(src[k]) {
			group++
			k--
		}
		if group == 0 || group > 8 {
			return total + group
		}
		total += group
		if k >= 1 && src[k] == ' ' && isDigit(src[k-1]) {
			k--
			continue
		}
		break
	}
	return total
}

// digitsForward counts digits in the chain of single-space separated digit
// groups starting at j.
func digitsForward(src string, j int) int {
	total := 0
	k := j
	for k < len(src) {
		group := 0
		for k < len(src) && isDigit(src[k]) {
			group++
			k++
		}
		if group == 0 || group > 8 {
			return total + group
		}
		total += group
		if k+1 < len(src) && src[k] == ' ' && isDigit(src[k+1]) {
			k++
			continue
		}
		break
	}
	return total
}

// horizontalSpace collapses tabs and runs of spaces to a single space.
func horizontalSpace(src string, i int) (int, string, bool) {
	if !isHSpace(src[i]) {
		return 0, "", false
	}
	j := i
	for j < len(src) && isHSpace(src[j]) {
		j++
	}
	if j-i == 1 && src[i] == ' ' {
		return 0, "", false
	}
	return j - i, " ", true
}
