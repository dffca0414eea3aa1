// Package consolidate merges the detection lists of every source into one
// non-overlapping, category-assigned result in raw-text coordinates.
package consolidate

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/anonimiza/internal/normalize"
	"github.com/dativo-io/anonimiza/internal/pii"
)

// AgreementBoost is added to the confidence of a span two sources agree on.
const AgreementBoost = 0.1

// Set is one source's detections plus the mapping their offsets are
// relative to. A nil Mapping means the offsets are already raw.
type Set struct {
	Source     string
	Detections []pii.Detection
	Mapping    *normalize.Mapping
}

// Stats counts what happened to the input.
type Stats struct {
	Input       int `json:"input"`
	OutOfBounds int `json:"out_of_bounds"`
	Merged      int `json:"merged"`
	Discarded   int `json:"discarded"`
	Overridden  int `json:"overridden"`
	Output      int `json:"output"`
}

type candidate struct {
	d   pii.Detection
	set int
}

// Consolidate projects every set onto raw, resolves overlaps greedily and
// applies the structural overrides. It never fails: detections that cannot
// be placed inside raw are dropped and counted.
//
// Ordering is (start asc, confidence desc, length desc, set index asc,
// category asc), so equal-confidence conflicts on one span go to the
// earlier set and then to the alphabetically first category.
func Consolidate(raw string, sets []Set) ([]pii.Detection, Stats) {
	var stats Stats
	var cands []candidate

	for i, set := range sets {
		for _, d := range set.Detections {
			stats.Input++
			projected, ok := project(raw, set.Mapping, d)
			if !ok {
				stats.OutOfBounds++
				log.Debug().Str("source", set.Source).Int("start", d.Span.Start).Int("end", d.Span.End).
					Msg("detection_out_of_bounds")
				continue
			}
			projected.Confidence = pii.ClampConfidence(projected.Confidence)
			if projected.Source == "" {
				projected.Source = set.Source
			}
			cands = append(cands, candidate{d: projected, set: i})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.d.Span.Start != b.d.Span.Start {
			return a.d.Span.Start < b.d.Span.Start
		}
		if a.d.Confidence != b.d.Confidence {
			return a.d.Confidence > b.d.Confidence
		}
		if a.d.Span.End != b.d.Span.End {
			return a.d.Span.End > b.d.Span.End
		}
		if a.set != b.set {
			return a.set < b.set
		}
		return a.d.Category < b.d.Category
	})

	var kept []candidate
	for _, c := range cands {
		if len(kept) == 0 {
			kept = append(kept, c)
			continue
		}
		// Kept spans never overlap and are sorted, so only the last one can
		// reach into c.
		last := &kept[len(kept)-1]
		if !last.d.Span.Overlaps(c.d.Span) {
			kept = append(kept, c)
			continue
		}
		if last.d.Span.SameRange(c.d.Span) && last.d.Category == c.d.Category {
			merge(last, c)
			stats.Merged++
			continue
		}
		stats.Discarded++
	}

	out := make([]pii.Detection, len(kept))
	for i, c := range kept {
		d := c.d
		if forced, span, ok := Override(raw, d.Span); ok && (forced != d.Category || !span.SameRange(d.Span)) {
			log.Debug().Str("from", string(d.Category)).Str("to", string(forced)).Msg("category_overridden")
			if !span.SameRange(d.Span) {
				d.Value = span.Text
			}
			d.Category = forced
			d.Span = span
			stats.Overridden++
		}
		out[i] = d
	}
	stats.Output = len(out)
	return out, stats
}

// merge folds c into kept, which covers the same span with the same
// category. Agreement between different sets raises confidence; a repeat
// from the same set does not.
func merge(kept *candidate, c candidate) {
	if c.set != kept.set {
		boosted := max(kept.d.Confidence, c.d.Confidence) + AgreementBoost
		kept.d.Confidence = min(boosted, 1.0)
		if !containsSource(kept.d.Source, c.d.Source) {
			kept.d.Source += "+" + c.d.Source
		}
	}
	if kept.d.ChecksumValid == nil && c.d.ChecksumValid != nil {
		kept.d.ChecksumValid = c.d.ChecksumValid
		kept.d.ChecksumReason = c.d.ChecksumReason
	}
}

func containsSource(list, name string) bool {
	for _, s := range strings.Split(list, "+") {
		if s == name {
			return true
		}
	}
	return false
}

// project moves d into raw coordinates.
func project(raw string, m *normalize.Mapping, d pii.Detection) (pii.Detection, bool) {
	if m == nil {
		span, err := pii.NewSpan(raw, d.Span.Start, d.Span.End)
		if err != nil {
			return d, false
		}
		d.Span = span
		if d.Value == "" {
			d.Value = span.Text
		}
		return d, true
	}

	if m.Source() != raw {
		return d, false
	}
	n := len(m.Normalized())
	if d.Span.Start < 0 || d.Span.End > n || d.Span.Start >= d.Span.End {
		return d, false
	}
	span, err := m.ToOriginalSpan(d.Span.Start, d.Span.End)
	if err != nil {
		return d, false
	}
	if d.Value == "" {
		d.Value = m.Normalized()[d.Span.Start:d.Span.End]
	}
	d.Span = span
	return d, true
}
