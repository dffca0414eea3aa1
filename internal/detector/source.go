// Package detector defines the pluggable detection-source interface and
// fans a document out to every available source concurrently.
package detector

import (
	"context"

	"github.com/dativo-io/anonimiza/internal/pii"
)

// Source is one detection engine: the pattern rule table, an external NER
// model, a fixture. Offsets in returned detections are relative to the text
// the source was given.
type Source interface {
	Name() string
	Detect(ctx context.Context, text string, categories pii.CategorySet, minConfidence float64) ([]pii.Detection, error)
	Available() bool
}

// Static returns a fixed detection list, filtered per call. It is used for
// fixtures and for replaying detections produced elsewhere.
type Static struct {
	name       string
	detections []pii.Detection
}

// NewStatic builds a Static source named name.
func NewStatic(name string, detections ...pii.Detection) *Static {
	return &Static{name: name, detections: detections}
}

// Name implements Source.
func (s *Static) Name() string { return s.name }

// Available implements Source.
func (s *Static) Available() bool { return true }

// Detect implements Source.
func (s *Static) Detect(_ context.Context, _ string, categories pii.CategorySet, minConfidence float64) ([]pii.Detection, error) {
	out := make([]pii.Detection, 0, len(s.detections))
	for _, d := range s.detections {
		if !categories.Allows(d.Category) || d.Confidence < minConfidence {
			continue
		}
		if d.Source == "" {
			d.Source = s.name
		}
		out = append(out, d)
	}
	return out, nil
}
