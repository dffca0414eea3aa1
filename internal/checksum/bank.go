package checksum

import (
	"fmt"
	"strings"
)

// IBANLengths holds the ISO 13616 length for SEPA-area country codes.
var IBANLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22,
	"GI": 23, "GR": 27, "HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27,
	"LI": 21, "LT": 20, "LU": 20, "LV": 21, "MC": 27, "MT": 31, "NL": 18,
	"NO": 15, "PL": 28, "PT": 25, "RO": 24, "SE": 24, "SI": 19, "SK": 24,
	"SM": 27,
}

// IBAN verifies the MOD-97 check digits per ISO 13616. The first four
// characters (country + check digits) are moved to the end, letters become
// two-digit numbers (A=10 ... Z=35), and the remainder mod 97 must be 1.
func IBAN(value string) Result {
	clean := Clean(value)
	if len(clean) < 5 {
		return unchecked(clean, "too short for an IBAN")
	}
	cc := clean[:2]
	if !isLetter(cc[0]) || !isLetter(cc[1]) || !allDigits(clean[2:4]) {
		return unchecked(clean, "expected country code and two check digits")
	}
	expected, known := IBANLengths[cc]
	if !known {
		return unchecked(clean, fmt.Sprintf("no length table entry for %s", cc))
	}
	if len(clean) != expected {
		return unchecked(clean, fmt.Sprintf("%s IBAN must have %d characters, got %d", cc, expected, len(clean)))
	}

	rearranged := clean[4:] + clean[:4]
	var digits strings.Builder
	digits.Grow(len(rearranged) * 2)
	for i := 0; i < len(rearranged); i++ {
		ch := rearranged[i]
		switch {
		case ch >= '0' && ch <= '9':
			digits.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			fmt.Fprintf(&digits, "%d", ch-'A'+10)
		default:
			return unchecked(clean, fmt.Sprintf("unexpected character %q", ch))
		}
	}
	if rem := modString(digits.String(), 97); rem != 1 {
		return invalid(clean, fmt.Sprintf("mod-97 remainder is %d, want 1", rem))
	}
	return valid(clean, "mod-97 check passed")
}

// CreditCard checks a card number with the Luhn algorithm (ISO/IEC 7812).
func CreditCard(value string) Result {
	clean := Clean(value)
	if len(clean) < 13 || len(clean) > 19 || !allDigits(clean) {
		return unchecked(clean, "expected 13-19 digits")
	}
	if !luhnValid(clean) {
		return invalid(clean, "Luhn check failed")
	}
	return valid(clean, "Luhn check passed")
}

// luhnValid checks whether a digit string passes the Luhn algorithm.
func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}
