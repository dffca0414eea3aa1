// Package dateshift moves every date of a project by one fixed, secret
// number of days, so that intervals between dates survive anonymization
// while the real calendar dates do not.
package dateshift

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnparseable is returned by ShiftText for text that is not a date in
// one of the supported grammars.
var ErrUnparseable = errors.New("unrecognized date")

// ErrYearOutOfRange is returned by ShiftText when the shifted date would
// not fit the four-digit year every grammar writes.
var ErrYearOutOfRange = errors.New("shifted year out of range")

// MinYear and MaxYear bound the years ShiftText writes back.
const (
	MinYear = 1000
	MaxYear = 9999
)

// DefaultMaxYears bounds the shift to ±5 years.
const DefaultMaxYears = 5

// Mode selects how the project delta is applied.
type Mode int

const (
	// Exact adds the delta in days.
	Exact Mode = iota
	// PreserveWeekday rounds the delta to the nearest non-zero multiple of
	// seven, so weekdays and intervals both hold. The adjustment is at most
	// three days unless the delta itself is within three days of zero.
	PreserveWeekday
	// PreserveMonthDay shifts whole years only. Feb 29 becomes Feb 28 in a
	// non-leap target year.
	PreserveMonthDay
)

// ParseMode maps "exact", "weekday" and "month_day" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "exact":
		return Exact, nil
	case "weekday", "preserve_weekday":
		return PreserveWeekday, nil
	case "month_day", "preserve_month_day":
		return PreserveMonthDay, nil
	}
	return Exact, fmt.Errorf("unknown date shift mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case PreserveWeekday:
		return "weekday"
	case PreserveMonthDay:
		return "month_day"
	default:
		return "exact"
	}
}

// DeltaDays derives the project's shift from its id alone: the first eight
// bytes of SHA-256 reduced into [-maxYears*365, +maxYears*365]. A zero
// result is replaced by the upper bound.
func DeltaDays(projectID string, maxYears int) int {
	if maxYears <= 0 {
		maxYears = DefaultMaxYears
	}
	span := maxYears * 365
	sum := sha256.Sum256([]byte("anonimiza.dateshift.v1:" + projectID))
	n := binary.BigEndian.Uint64(sum[:8])
	d := int(n%uint64(2*span+1)) - span
	if d == 0 {
		d = span
	}
	return d
}

// Shifter is the per-project date shift state. Safe for concurrent use;
// the cache is append-only and every entry is a pure function of its key.
type Shifter struct {
	projectID string
	mode      Mode
	delta     int
	years     int
	cache     sync.Map // original text or ISO date -> shifted
}

// Option configures a Shifter.
type Option func(*shifterConfig)

type shifterConfig struct {
	mode     Mode
	maxYears int
}

// WithMode selects the shift mode.
func WithMode(m Mode) Option {
	return func(c *shifterConfig) { c.mode = m }
}

// WithMaxYears bounds the delta.
func WithMaxYears(years int) Option {
	return func(c *shifterConfig) { c.maxYears = years }
}

// New builds the shifter for projectID.
func New(projectID string, opts ...Option) *Shifter {
	cfg := shifterConfig{maxYears: DefaultMaxYears}
	for _, o := range opts {
		o(&cfg)
	}
	s := &Shifter{projectID: projectID, mode: cfg.mode}
	base := DeltaDays(projectID, cfg.maxYears)

	switch cfg.mode {
	case PreserveWeekday:
		s.delta = roundToWeek(base)
	case PreserveMonthDay:
		s.years = (base + sign(base)*182) / 365
		if s.years == 0 {
			s.years = sign(base)
		}
		s.delta = base
	default:
		s.delta = base
	}
	return s
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}

func roundToWeek(d int) int {
	r := ((d + sign(d)*3) / 7) * 7
	if r == 0 {
		r = 7 * sign(d)
	}
	return r
}

// ProjectID returns the project this shifter belongs to.
func (s *Shifter) ProjectID() string { return s.projectID }

// Mode returns the shift mode.
func (s *Shifter) Mode() Mode { return s.mode }

// Delta returns the shift in days applied by Exact and PreserveWeekday.
func (s *Shifter) Delta() int { return s.delta }

// Shift moves t by the project delta. Time of day and location are kept.
func (s *Shifter) Shift(t time.Time) time.Time {
	key := t.Format(time.RFC3339Nano)
	if v, ok := s.cache.Load(key); ok {
		return v.(time.Time)
	}
	out := s.shift(t)
	s.cache.Store(key, out)
	return out
}

func (s *Shifter) shift(t time.Time) time.Time {
	if s.mode != PreserveMonthDay {
		return t.AddDate(0, 0, s.delta)
	}
	y := t.Year() + s.years
	d := t.Day()
	if t.Month() == time.February && d == 29 && !isLeap(y) {
		d = 28
	}
	return time.Date(y, t.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// ShiftText parses text as a Spanish date, shifts it and writes it back in
// the same grammar: "28/10/2025" stays slash-separated, "primero de marzo
// del 2020" stays written out.
func (s *Shifter) ShiftText(text string) (string, error) {
	if v, ok := s.cache.Load("text:" + text); ok {
		return v.(string), nil
	}
	p, ok := Parse(text)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnparseable, text)
	}
	shifted := s.Shift(p.Date)
	if y := shifted.Year(); y < MinYear || y > MaxYear {
		return "", fmt.Errorf("%w: %q lands in year %d", ErrYearOutOfRange, text, y)
	}
	out := p.Render(shifted)
	s.cache.Store("text:"+text, out)
	return out, nil
}
