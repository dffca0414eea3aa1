package checksum

import (
	"fmt"
	"strconv"
	"strings"
)

// dniLetters is indexed by number mod 23.
const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

// cifLetters is indexed by the computed CIF control digit.
const cifLetters = "JABCDEFGHI"

// DNI validates an 8-digit national identity number plus control letter.
func DNI(value string) Result {
	clean := Clean(value)
	if len(clean) != 9 {
		return unchecked(clean, fmt.Sprintf("expected 9 characters, got %d", len(clean)))
	}
	number, letter := clean[:8], clean[8]
	if !allDigits(number) || !isLetter(letter) {
		return unchecked(clean, "expected 8 digits followed by a letter")
	}
	return controlLetter(clean, number, letter)
}

// NIE validates a foreign-resident number: X/Y/Z prefix mapped to 0/1/2,
// then the DNI algorithm over the resulting 8 digits.
func NIE(value string) Result {
	clean := Clean(value)
	if len(clean) != 9 {
		return unchecked(clean, fmt.Sprintf("expected 9 characters, got %d", len(clean)))
	}
	idx := strings.IndexByte("XYZ", clean[0])
	if idx < 0 {
		return unchecked(clean, "prefix must be X, Y or Z")
	}
	rest, letter := clean[1:8], clean[8]
	if !allDigits(rest) || !isLetter(letter) {
		return unchecked(clean, "expected prefix, 7 digits and a letter")
	}
	return controlLetter(clean, strconv.Itoa(idx)+rest, letter)
}

// NIF validates a personal tax identifier: a DNI, a NIE, or the K/L/M forms
// issued to minors and non-residents (7 digits checked with the DNI table).
// Company identifiers are routed to CIF.
func NIF(value string) Result {
	clean := Clean(value)
	if len(clean) != 9 {
		return unchecked(clean, fmt.Sprintf("expected 9 characters, got %d", len(clean)))
	}
	switch first := clean[0]; {
	case first >= '0' && first <= '9':
		return DNI(clean)
	case first == 'X' || first == 'Y' || first == 'Z':
		return NIE(clean)
	case first == 'K' || first == 'L' || first == 'M':
		rest, letter := clean[1:8], clean[8]
		if !allDigits(rest) || !isLetter(letter) {
			return unchecked(clean, "expected prefix, 7 digits and a letter")
		}
		return controlLetter(clean, rest, letter)
	case strings.IndexByte(cifOrgLetters, first) >= 0:
		return CIF(clean)
	default:
		return unchecked(clean, fmt.Sprintf("unknown prefix %q", first))
	}
}

// cifOrgLetters are the legal-form prefixes of company tax identifiers.
const cifOrgLetters = "ABCDEFGHJNPQRSUVW"

// CIF validates a company tax identifier: legal-form letter, 7 digits, and a
// control character computed from a weighted digit sum. Depending on the
// legal form the control is a digit, a letter, or either.
func CIF(value string) Result {
	clean := Clean(value)
	if len(clean) != 9 {
		return unchecked(clean, fmt.Sprintf("expected 9 characters, got %d", len(clean)))
	}
	form, digits, control := clean[0], clean[1:8], clean[8]
	if strings.IndexByte(cifOrgLetters, form) < 0 {
		return unchecked(clean, fmt.Sprintf("unknown legal form %q", form))
	}
	if !allDigits(digits) {
		return unchecked(clean, "expected 7 digits after the legal form")
	}

	sum := 0
	for i := 0; i < 7; i++ {
		d := int(digits[i] - '0')
		if i%2 == 0 {
			d *= 2
			d = d/10 + d%10
		}
		sum += d
	}
	want := (10 - sum%10) % 10
	wantDigit := byte('0' + want)
	wantLetter := cifLetters[want]

	var ok bool
	switch {
	case strings.IndexByte("NPQRSW", form) >= 0:
		ok = control == wantLetter
	case strings.IndexByte("ABEH", form) >= 0:
		ok = control == wantDigit
	default:
		ok = control == wantDigit || control == wantLetter
	}
	if !ok {
		return invalid(clean, fmt.Sprintf("control %q does not match expected %q/%q", control, wantDigit, wantLetter))
	}
	return valid(clean, "control character matches")
}

func controlLetter(clean, number string, letter byte) Result {
	want := dniLetters[modString(number, 23)]
	if letter != want {
		return invalid(clean, fmt.Sprintf("control letter %q does not match expected %q", letter, want))
	}
	return valid(clean, "control letter matches")
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// NSS validates a 12-digit social-insurance number: a province code in
// [1,52], an 8-digit sequence, and two control digits equal to the first
// ten digits mod 97.
func NSS(value string) Result {
	clean := Clean(value)
	if len(clean) != 12 || !allDigits(clean) {
		return unchecked(clean, "expected 12 digits")
	}
	province, _ := strconv.Atoi(clean[:2])
	if province < 1 || province > 52 {
		return invalid(clean, fmt.Sprintf("province code %02d outside 01-52", province))
	}
	control, _ := strconv.Atoi(clean[10:])
	if got := modString(clean[:10], 97); got != control {
		return invalid(clean, fmt.Sprintf("control %02d does not match expected %02d", control, got))
	}
	return valid(clean, "control digits match")
}
