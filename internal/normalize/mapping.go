// Package normalize rewrites raw document text into canonical forms for
// storage and for detection, recording for every output byte the raw byte
// it came from so that detections found in normalized text can be projected
// back onto the original document.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dativo-io/anonimiza/internal/pii"
)

var (
	// ErrEmptySource is returned when a span is requested over empty text.
	ErrEmptySource = errors.New("source text is empty")
	// ErrMappingMismatch is returned when two mappings cannot be chained.
	ErrMappingMismatch = errors.New("mapping source does not match previous output")
)

// Mapping is the bidirectional position map produced by one normalization.
// charMap[i] is the raw offset that normalized byte i originated from;
// unitEnd[i] is the raw offset where the unit producing byte i ends (a rune
// for kept text, the whole consumed range for replaced text). Both slices
// are non-decreasing.
type Mapping struct {
	source     string
	normalized string
	charMap    []int
	unitEnd    []int
}

// Identity returns the mapping of text onto itself.
func Identity(text string) *Mapping {
	b := NewBuilder(text)
	b.Keep(len(text))
	return b.Mapping()
}

// Source returns the text the mapping was built from.
func (m *Mapping) Source() string { return m.source }

// Normalized returns the rewritten text.
func (m *Mapping) Normalized() string { return m.normalized }

// Changed reports whether normalization altered the text.
func (m *Mapping) Changed() bool { return m.source != m.normalized }

// ToOriginal returns the raw offset for normalized offset i, clamped to the
// raw text bounds. i == len(Normalized()) maps to len(Source()).
func (m *Mapping) ToOriginal(i int) int {
	switch {
	case len(m.charMap) == 0 || i <= 0:
		if len(m.charMap) > 0 {
			return m.charMap[0]
		}
		return 0
	case i >= len(m.charMap):
		return len(m.source)
	default:
		return m.charMap[i]
	}
}

// ToOriginalSpan projects the normalized range [ns, ne) onto the raw text.
// Bounds are clamped, degenerate ranges are widened to one unit, and the
// result is snapped outward to rune boundaries, so the returned span is
// always non-empty and inside the raw text.
func (m *Mapping) ToOriginalSpan(ns, ne int) (pii.Span, error) {
	if len(m.source) == 0 {
		return pii.Span{}, ErrEmptySource
	}
	if len(m.charMap) == 0 {
		// Everything was skipped; the whole raw text is the only resolvable span.
		return pii.Span{Start: 0, End: len(m.source), Text: m.source}, nil
	}

	n := len(m.charMap)
	if ns < 0 {
		ns = 0
	}
	if ns >= n {
		ns = n - 1
	}
	if ne > n {
		ne = n
	}
	if ne <= ns {
		ne = ns + 1
	}

	start := m.charMap[ns]
	end := m.unitEnd[ne-1]
	if end <= start {
		end = start + 1
	}
	if end > len(m.source) {
		end = len(m.source)
	}
	if start >= end {
		start = end - 1
	}
	start = runeStartBefore(m.source, start)
	end = runeEndAfter(m.source, end)

	return pii.Span{Start: start, End: end, Text: m.source[start:end]}, nil
}

// Then chains m with next, where next was built over m.Normalized(). The
// result maps next's output directly onto m's source.
func (m *Mapping) Then(next *Mapping) (*Mapping, error) {
	if next.source != m.normalized {
		return nil, fmt.Errorf("%w: %d bytes vs %d bytes", ErrMappingMismatch, len(next.source), len(m.normalized))
	}
	out := &Mapping{
		source:     m.source,
		normalized: next.normalized,
		charMap:    make([]int, len(next.charMap)),
		unitEnd:    make([]int, len(next.unitEnd)),
	}
	last := len(m.charMap) - 1
	for i := range next.charMap {
		j := next.charMap[i]
		if j > last {
			j = last
		}
		out.charMap[i] = m.charMap[j]

		e := next.unitEnd[i]
		if e < 1 {
			e = 1
		}
		if e > len(m.unitEnd) {
			e = len(m.unitEnd)
		}
		out.unitEnd[i] = m.unitEnd[e-1]
	}
	return out, nil
}

func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func runeEndAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// Builder records keep/skip/replace operations over a source string.
type Builder struct {
	src     string
	pos     int
	out     strings.Builder
	charMap []int
	unitEnd []int
}

// NewBuilder starts a mapping over src.
func NewBuilder(src string) *Builder {
	b := &Builder{
		src:     src,
		charMap: make([]int, 0, len(src)),
		unitEnd: make([]int, 0, len(src)),
	}
	b.out.Grow(len(src))
	return b
}

// Pos returns the next unconsumed source offset.
func (b *Builder) Pos() int { return b.pos }

// Done reports whether the whole source has been consumed.
func (b *Builder) Done() bool { return b.pos >= len(b.src) }

// Keep passes the next n source bytes through unchanged, one to one.
func (b *Builder) Keep(n int) {
	end := b.clampEnd(n)
	for b.pos < end {
		_, size := utf8.DecodeRuneInString(b.src[b.pos:end])
		runeEnd := b.pos + size
		for k := b.pos; k < runeEnd; k++ {
			b.charMap = append(b.charMap, k)
			b.unitEnd = append(b.unitEnd, runeEnd)
		}
		b.out.WriteString(b.src[b.pos:runeEnd])
		b.pos = runeEnd
	}
}

// Skip drops the next n source bytes; they produce no output.
func (b *Builder) Skip(n int) {
	b.pos = b.clampEnd(n)
}

// Replace consumes the next n source bytes and emits text instead. Every
// emitted byte maps to the start of the consumed range.
func (b *Builder) Replace(n int, text string) {
	consumed := b.clampEnd(n)
	start, end := b.pos, consumed
	if end == start {
		// Pure insertion: anchor to the nearest real source byte.
		if len(b.src) == 0 {
			return
		}
		if start >= len(b.src) {
			start = len(b.src) - 1
		}
		end = start + 1
	}
	for k := 0; k < len(text); k++ {
		b.charMap = append(b.charMap, start)
		b.unitEnd = append(b.unitEnd, end)
	}
	b.out.WriteString(text)
	b.pos = consumed
}

// Mapping finishes the build. Any unconsumed source is kept as-is.
func (b *Builder) Mapping() *Mapping {
	if b.pos < len(b.src) {
		b.Keep(len(b.src) - b.pos)
	}
	return &Mapping{
		source:     b.src,
		normalized: b.out.String(),
		charMap:    b.charMap,
		unitEnd:    b.unitEnd,
	}
}

func (b *Builder) clampEnd(n int) int {
	if n < 0 {
		n = 0
	}
	end := b.pos + n
	if end > len(b.src) {
		end = len(b.src)
	}
	return end
}
