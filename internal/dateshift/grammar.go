package dateshift

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Style is the textual grammar a date was written in.
type Style int

const (
	StyleSlash   Style = iota // 28/10/2025
	StyleDash                 // 28-10-2025
	StyleDot                  // 28.10.2025
	StyleISO                  // 2025-10-28
	StyleWritten              // 28 de octubre de 2025
)

func (s Style) String() string {
	switch s {
	case StyleSlash:
		return "slash"
	case StyleDash:
		return "dash"
	case StyleDot:
		return "dot"
	case StyleISO:
		return "iso"
	case StyleWritten:
		return "written"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

type dayForm int

const (
	dayNumeric dayForm = iota
	dayOrdinal
	dayPrimero
	dayRoman
)

type letterCase int

const (
	caseLower letterCase = iota
	caseTitle
	caseUpper
)

// Parsed is a date together with everything needed to write another date
// the same way.
type Parsed struct {
	Date  time.Time
	Style Style

	padDay, padMonth bool

	dayForm     dayForm
	ordinalMark string
	romanLower  bool
	monthCase   letterCase
	connector   string
	// whitespace around "de <month>" and the year connector, as written
	sepDe, sepMonth, sepYear string
}

var months = []string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio",
	"agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

var (
	numericRe = regexp.MustCompile(`^(\d{1,2})([/.-])(\d{1,2})([/.-])(\d{4})$`)
	isoRe     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	writtenRe = regexp.MustCompile(`(?i)^(\d{1,2})?(º|°|\.º|ª)?(primero|[ivxl]+)?(\s+de\s+)(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)(\s+)(de|del)(\s+)(\d{4})$`)
)

// findRe is the unanchored union of the grammars; candidates are confirmed
// with Parse.
var findRe = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}[/.-]\d{1,2}[/.-]\d{4}|(?:\d{1,2}(?:º|°|\.º|ª)?|primero|[ivxl]+)\s+de\s+(?:enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)\s+(?:de|del)\s+\d{4})\b`)

// FindAll returns the byte ranges [start, end) of every valid date in text.
func FindAll(text string) [][2]int {
	var out [][2]int
	for _, loc := range findRe.FindAllStringIndex(text, -1) {
		if _, ok := Parse(text[loc[0]:loc[1]]); ok {
			out = append(out, [2]int{loc[0], loc[1]})
		}
	}
	return out
}

// Parse recognizes one Spanish date in any supported grammar. Surrounding
// whitespace is ignored; anything else makes the parse fail.
func Parse(text string) (Parsed, bool) {
	s := strings.TrimSpace(text)

	if m := isoRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		t, ok := makeDate(y, mo, d)
		return Parsed{Date: t, Style: StyleISO, padDay: true, padMonth: true}, ok
	}

	if m := numericRe.FindStringSubmatch(s); m != nil {
		if m[2] != m[4] {
			return Parsed{}, false
		}
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[3])
		y, _ := strconv.Atoi(m[5])
		t, ok := makeDate(y, mo, d)
		p := Parsed{
			Date:     t,
			padDay:   len(m[1]) == 2 && m[1][0] == '0',
			padMonth: len(m[3]) == 2 && m[3][0] == '0',
		}
		switch m[2] {
		case "/":
			p.Style = StyleSlash
		case "-":
			p.Style = StyleDash
		default:
			p.Style = StyleDot
		}
		return p, ok
	}

	if m := writtenRe.FindStringSubmatch(s); m != nil {
		return parseWritten(m)
	}
	return Parsed{}, false
}

func parseWritten(m []string) (Parsed, bool) {
	digits, mark, word := m[1], m[2], m[3]
	p := Parsed{
		Style:       StyleWritten,
		ordinalMark: mark,
		sepDe:       m[4],
		sepMonth:    m[6],
		connector:   m[7],
		sepYear:     m[8],
		monthCase:   caseOf(m[5]),
	}

	var day int
	switch {
	case digits != "" && word == "":
		day, _ = strconv.Atoi(digits)
		p.padDay = len(digits) == 2 && digits[0] == '0'
		if mark != "" {
			p.dayForm = dayOrdinal
		}
	case digits == "" && mark == "" && strings.EqualFold(word, "primero"):
		day = 1
		p.dayForm = dayPrimero
	case digits == "" && mark == "" && word != "":
		v, ok := fromRoman(word)
		if !ok {
			return Parsed{}, false
		}
		day = v
		p.dayForm = dayRoman
		p.romanLower = word == strings.ToLower(word)
	default:
		return Parsed{}, false
	}

	month := strings.ToLower(m[5])
	if month == "setiembre" {
		month = "septiembre"
	}
	mo := 0
	for i, name := range months {
		if name == month {
			mo = i + 1
		}
	}
	y, _ := strconv.Atoi(m[9])
	t, ok := makeDate(y, mo, day)
	p.Date = t
	return p, ok
}

func makeDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		// 31/04 and friends roll over; reject them.
		return time.Time{}, false
	}
	return t, true
}

func caseOf(word string) letterCase {
	switch {
	case word == strings.ToUpper(word):
		return caseUpper
	case word == strings.ToLower(word):
		return caseLower
	default:
		return caseTitle
	}
}

// Render writes t in the grammar p was parsed from.
func (p Parsed) Render(t time.Time) string {
	switch p.Style {
	case StyleISO:
		return t.Format("2006-01-02")
	case StyleWritten:
		return p.renderWritten(t)
	}

	sep := map[Style]string{StyleSlash: "/", StyleDash: "-", StyleDot: "."}[p.Style]
	day := strconv.Itoa(t.Day())
	if p.padDay && t.Day() < 10 {
		day = "0" + day
	}
	month := strconv.Itoa(int(t.Month()))
	if p.padMonth && t.Month() < 10 {
		month = "0" + month
	}
	return day + sep + month + sep + fmt.Sprintf("%04d", t.Year())
}

func (p Parsed) renderWritten(t time.Time) string {
	var day string
	switch p.dayForm {
	case dayOrdinal:
		day = strconv.Itoa(t.Day()) + p.ordinalMark
	case dayPrimero:
		if t.Day() == 1 {
			day = "primero"
		} else {
			day = strconv.Itoa(t.Day())
		}
	case dayRoman:
		day = toRoman(t.Day())
		if p.romanLower {
			day = strings.ToLower(day)
		}
	default:
		day = strconv.Itoa(t.Day())
		if p.padDay && t.Day() < 10 {
			day = "0" + day
		}
	}

	month := months[t.Month()-1]
	switch p.monthCase {
	case caseUpper:
		month = strings.ToUpper(month)
	case caseTitle:
		month = strings.ToUpper(month[:1]) + month[1:]
	}

	sepDe, sepMonth, sepYear, connector := p.sepDe, p.sepMonth, p.sepYear, p.connector
	if sepDe == "" {
		sepDe = " de "
	}
	if sepMonth == "" {
		sepMonth = " "
	}
	if sepYear == "" {
		sepYear = " "
	}
	if connector == "" {
		connector = "de"
	}
	return day + sepDe + month + sepMonth + connector + sepYear + fmt.Sprintf("%04d", t.Year())
}

var romanValues = []struct {
	value  int
	symbol string
}{
	{10, "X"}, {9, "IX"}, {5, "V"}, {4, "IV"}, {1, "I"},
}

func toRoman(n int) string {
	var b strings.Builder
	for _, rv := range romanValues {
		for n >= rv.value {
			b.WriteString(rv.symbol)
			n -= rv.value
		}
	}
	return b.String()
}

// fromRoman parses day numerals I..XXXI in canonical form.
func fromRoman(s string) (int, bool) {
	upper := strings.ToUpper(s)
	total := 0
	digit := map[byte]int{'I': 1, 'V': 5, 'X': 10, 'L': 50}
	for i := 0; i < len(upper); i++ {
		v, ok := digit[upper[i]]
		if !ok {
			return 0, false
		}
		if i+1 < len(upper) && digit[upper[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	if total < 1 || total > 31 || toRoman(total) != upper {
		return 0, false
	}
	return total, true
}
