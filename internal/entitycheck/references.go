package entitycheck

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/anonimiza/internal/pii"
)

// ErrInvalidReferences is returned for reference tables that cannot be used.
var ErrInvalidReferences = errors.New("invalid reference vectors")

// References holds one precomputed embedding per category, including
// pii.NotEntity.
type References map[pii.Category][]float64

// ParseReferences reads a category -> vector table. YAML and JSON are both
// accepted. Category names go through pii.ParseCategory, so "PER" and
// "PERSON" are the same key.
func ParseReferences(data []byte) (References, error) {
	var raw map[string][]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing reference vectors: %w", err)
	}
	refs := make(References, len(raw))
	dim := 0
	for name, vec := range raw {
		c, ok := pii.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidReferences, name)
		}
		if len(vec) == 0 || norm(vec) == 0 {
			return nil, fmt.Errorf("%w: %s has an empty or zero vector", ErrInvalidReferences, c)
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, fmt.Errorf("%w: %s has %d dimensions, want %d", ErrInvalidReferences, c, len(vec), dim)
		}
		refs[c] = vec
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no vectors", ErrInvalidReferences)
	}
	return refs, nil
}

// LoadReferences reads a reference table from disk.
func LoadReferences(path string) (References, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reference vectors %s: %w", path, err)
	}
	return ParseReferences(data)
}

// Dim returns the vector dimension, or 0 for an empty table.
func (r References) Dim() int {
	for _, v := range r {
		return len(v)
	}
	return 0
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
