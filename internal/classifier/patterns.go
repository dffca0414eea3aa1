package classifier

import (
	"fmt"
	"regexp"

	"github.com/dativo-io/anonimiza/internal/checksum"
	"github.com/dativo-io/anonimiza/internal/pii"
	"github.com/dativo-io/anonimiza/patterns"
)

// GroupMode says which part of a match is the entity.
type GroupMode string

const (
	// GroupWhole uses the whole match.
	GroupWhole GroupMode = "whole"
	// GroupFirst uses the first capture group; the rest of the match is
	// context ("autos nº 548/2025" -> "548/2025").
	GroupFirst GroupMode = "first"
	// GroupConcat spans from the first to the last participating group, so a
	// trailing suffix group is part of the entity ("Pérez" + "S.L.").
	GroupConcat GroupMode = "concat"
)

func (m GroupMode) valid() bool {
	switch m {
	case GroupWhole, GroupFirst, GroupConcat:
		return true
	}
	return false
}

// Rule is one compiled row of the pattern rule table.
type Rule struct {
	Name          string
	Category      pii.Category
	Pattern       *regexp.Regexp
	Score         float64
	Validator     checksum.Func
	ValidatorName string
	GroupMode     GroupMode
	// Context holds lowercased words that lift an unchecked match when
	// they appear near it.
	Context []string
}

// locate returns the entity bounds inside one submatch index slice.
func (r *Rule) locate(loc []int) (int, int, bool) {
	switch r.GroupMode {
	case GroupFirst:
		if len(loc) < 4 || loc[2] < 0 {
			return 0, 0, false
		}
		return loc[2], loc[3], loc[2] < loc[3]
	case GroupConcat:
		start, end := -1, -1
		for g := 2; g+1 < len(loc); g += 2 {
			if loc[g] < 0 {
				continue
			}
			if start < 0 {
				start = loc[g]
			}
			end = loc[g+1]
		}
		return start, end, start >= 0 && start < end
	default:
		return loc[0], loc[1], loc[0] < loc[1]
	}
}

// DefaultRecognizers returns the built-in recognizers parsed from the
// embedded pii_es.yaml file. This is the first layer in the merge chain.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIESYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}
