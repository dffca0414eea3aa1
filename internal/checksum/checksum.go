// Package checksum validates Spanish structured identifiers (DNI, NIE, NIF,
// CIF, NSS) and bank accounts (IBAN) with their real control algorithms.
//
// Validators never panic and never return errors. Input that cannot be
// checked (wrong length, unexpected shape) comes back with Checked=false and
// Valid=true: an unverifiable format is treated as neutral, not invalid, so
// edge-case spellings are not rejected by accident.
package checksum

import (
	"strings"
	"unicode"
)

// Result is the outcome of one validator call.
type Result struct {
	Valid      bool   `json:"valid"`
	Checked    bool   `json:"checked"`
	Normalized string `json:"normalized"`
	Reason     string `json:"reason"`
}

// Func is the common validator signature.
type Func func(value string) Result

func valid(normalized, reason string) Result {
	return Result{Valid: true, Checked: true, Normalized: normalized, Reason: reason}
}

func invalid(normalized, reason string) Result {
	return Result{Valid: false, Checked: true, Normalized: normalized, Reason: reason}
}

func unchecked(normalized, reason string) Result {
	return Result{Valid: true, Checked: false, Normalized: normalized, Reason: "cannot validate: " + reason}
}

// Clean strips the accepted separators (space, dot, dash, slash, and any
// other Unicode space) and upper-cases the remainder.
func Clean(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r == '.', r == '-', r == '/', r == '‐', r == '‑', r == '–':
			continue
		case unicode.IsSpace(r):
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

var registry = map[string]Func{
	"dni":  DNI,
	"nie":  NIE,
	"nif":  NIF,
	"cif":  CIF,
	"iban": IBAN,
	"nss":  NSS,
	"luhn": CreditCard,
}

// Lookup returns the validator registered under name (as referenced from
// recognizer files and category metadata).
func Lookup(name string) (Func, bool) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names returns the registered validator names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// modString computes the remainder of a decimal digit string without
// overflowing, so arbitrarily long inputs are safe.
func modString(digits string, m int) int {
	r := 0
	for i := 0; i < len(digits); i++ {
		r = (r*10 + int(digits[i]-'0')) % m
	}
	return r
}
