package pii

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidSpan is returned when a span does not address a non-empty,
// in-bounds slice of its text.
var ErrInvalidSpan = errors.New("invalid span")

// Span addresses text[Start:End] in one coordinate space (raw or
// normalized). Offsets are byte offsets on rune boundaries.
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// NewSpan slices text and returns the span, or ErrInvalidSpan when the
// bounds are empty, reversed, out of range, or split a rune.
func NewSpan(text string, start, end int) (Span, error) {
	if start < 0 || end > len(text) || start >= end {
		return Span{}, fmt.Errorf("%w: [%d,%d) over %d bytes", ErrInvalidSpan, start, end, len(text))
	}
	if !runeBoundary(text, start) || !runeBoundary(text, end) {
		return Span{}, fmt.Errorf("%w: [%d,%d) splits a rune", ErrInvalidSpan, start, end)
	}
	return Span{Start: start, End: end, Text: text[start:end]}, nil
}

// Len returns the byte length of the span.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// SameRange reports whether s and o cover identical offsets.
func (s Span) SameRange(o Span) bool {
	return s.Start == o.Start && s.End == o.End
}

// ValidIn reports whether s addresses a non-empty slice of text whose
// content equals s.Text.
func (s Span) ValidIn(text string) bool {
	if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
		return false
	}
	return text[s.Start:s.End] == s.Text
}

func runeBoundary(text string, i int) bool {
	if i == 0 || i == len(text) {
		return true
	}
	return utf8.RuneStart(text[i])
}

// Detection is one (span, category, confidence, source) finding before
// consolidation. Treat it as immutable: consolidation produces new values.
type Detection struct {
	Category       Category `json:"category"`
	Value          string   `json:"value"`
	Span           Span     `json:"span"`
	Confidence     float64  `json:"confidence"`
	Source         string   `json:"source"`
	ChecksumValid  *bool    `json:"checksum_valid,omitempty"`
	ChecksumReason string   `json:"checksum_reason,omitempty"`
}

// WithCategory returns a copy of d reassigned to c.
func (d Detection) WithCategory(c Category) Detection {
	d.Category = c
	return d
}

// WithConfidence returns a copy of d with confidence clamped to [0,1].
func (d Detection) WithConfidence(conf float64) Detection {
	d.Confidence = ClampConfidence(conf)
	return d
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// CategorySet is an optional category filter; a nil set means "all".
type CategorySet map[Category]struct{}

// NewCategorySet builds a set from the given categories.
func NewCategorySet(cats ...Category) CategorySet {
	if len(cats) == 0 {
		return nil
	}
	s := make(CategorySet, len(cats))
	for _, c := range cats {
		s[c] = struct{}{}
	}
	return s
}

// Allows reports whether c passes the filter.
func (s CategorySet) Allows(c Category) bool {
	if s == nil {
		return true
	}
	_, ok := s[c]
	return ok
}
