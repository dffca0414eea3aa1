// Package glossary keeps the per-project alias table: every (category,
// normalized value) pair maps to exactly one alias, and every alias to
// exactly one pair, for the lifetime of the project.
package glossary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/anonimiza/internal/pii"
)

var (
	// ErrAliasConflict is returned when an alias is already bound to a
	// different value.
	ErrAliasConflict = errors.New("alias already bound to a different value")
	// ErrNotFound is returned when no mapping exists for a value.
	ErrNotFound = errors.New("glossary mapping not found")
	// ErrEmptyValue is returned for values that normalize to nothing.
	ErrEmptyValue = errors.New("value is empty after normalization")
	// ErrInvalidAlias is returned for blank user-chosen aliases.
	ErrInvalidAlias = errors.New("alias must not be blank")
	// ErrInvalidSnapshot is returned when a snapshot would break the
	// one-to-one invariant or is malformed.
	ErrInvalidSnapshot = errors.New("invalid glossary snapshot")
)

// Mapping is one glossary entry.
type Mapping struct {
	Category        pii.Category `json:"category"`
	Value           string       `json:"value"`
	Alias           string       `json:"alias"`
	Occurrences     int          `json:"occurrences"`
	FirstDocumentID string       `json:"first_document_id,omitempty"`
	Version         int          `json:"version"`
}

type lookupKey struct {
	category pii.Category
	value    string
}

// Glossary is the alias table of one project. Lookups may run
// concurrently; every mutation holds the write lock for its whole
// duration so both indexes change together or not at all.
type Glossary struct {
	projectID string

	mu       sync.RWMutex
	byKey    map[lookupKey]*Mapping
	byAlias  map[string]lookupKey
	counters map[pii.Category]int
}

// New returns an empty glossary for projectID.
func New(projectID string) *Glossary {
	return &Glossary{
		projectID: projectID,
		byKey:     make(map[lookupKey]*Mapping),
		byAlias:   make(map[string]lookupKey),
		counters:  make(map[pii.Category]int),
	}
}

// ProjectID returns the owning project.
func (g *Glossary) ProjectID() string { return g.projectID }

// Len returns the number of mappings.
func (g *Glossary) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byKey)
}

func keyFor(category pii.Category, value string) (lookupKey, error) {
	v := Normalize(category, value)
	if v == "" {
		return lookupKey{}, fmt.Errorf("%w: %q", ErrEmptyValue, value)
	}
	return lookupKey{category: category, value: v}, nil
}

// GetOrAssign returns the alias for value, minting the next sequential
// alias for category when the value is new. created reports whether a new
// mapping was minted. Existing mappings get their occurrence count bumped.
func (g *Glossary) GetOrAssign(ctx context.Context, value string, category pii.Category, documentID string) (m Mapping, created bool, err error) {
	_, span := tracer.Start(ctx, "glossary.get_or_assign")
	defer span.End()

	k, err := keyFor(category, value)
	if err != nil {
		return Mapping{}, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byKey[k]; ok {
		existing.Occurrences++
		return *existing, false, nil
	}

	n := g.counters[category]
	var alias string
	for {
		n++
		alias = formatAlias(category, n)
		// A user-chosen alias may already occupy the next sequential name.
		if _, taken := g.byAlias[alias]; !taken {
			break
		}
	}
	g.counters[category] = n

	entry := &Mapping{
		Category:        category,
		Value:           k.value,
		Alias:           alias,
		Occurrences:     1,
		FirstDocumentID: documentID,
		Version:         1,
	}
	g.byKey[k] = entry
	g.byAlias[alias] = k
	aliasesMinted.Add(ctx, 1)
	return *entry, true, nil
}

// Lookup returns the mapping for value without modifying anything.
func (g *Glossary) Lookup(value string, category pii.Category) (Mapping, bool) {
	k, err := keyFor(category, value)
	if err != nil {
		return Mapping{}, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.byKey[k]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// LookupAlias returns the mapping bound to alias.
func (g *Glossary) LookupAlias(alias string) (Mapping, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	k, ok := g.byAlias[alias]
	if !ok {
		return Mapping{}, false
	}
	return *g.byKey[k], true
}

// Update repoints the mapping of value to a user-chosen alias. It fails
// with ErrAliasConflict when newAlias is bound to a different value, and
// leaves the glossary untouched on any error.
func (g *Glossary) Update(ctx context.Context, value string, category pii.Category, newAlias string) (Mapping, error) {
	newAlias = strings.TrimSpace(newAlias)
	if newAlias == "" {
		return Mapping{}, ErrInvalidAlias
	}
	k, err := keyFor(category, value)
	if err != nil {
		return Mapping{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.byKey[k]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s %q", ErrNotFound, category, k.value)
	}
	if owner, taken := g.byAlias[newAlias]; taken && owner != k {
		aliasConflicts.Add(ctx, 1)
		log.Warn().
			Str("project_id", g.projectID).
			Str("alias", newAlias).
			Str("category", string(category)).
			Msg("glossary_alias_conflict")
		return Mapping{}, fmt.Errorf("%w: %s is bound to %s %q", ErrAliasConflict, newAlias, owner.category, owner.value)
	}
	if entry.Alias == newAlias {
		return *entry, nil
	}
	delete(g.byAlias, entry.Alias)
	g.byAlias[newAlias] = k
	entry.Alias = newAlias
	entry.Version++
	return *entry, nil
}

// Remove deletes the mapping for value. Its sequence number is not reused.
func (g *Glossary) Remove(value string, category pii.Category) error {
	k, err := keyFor(category, value)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.byKey[k]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrNotFound, category, k.value)
	}
	delete(g.byAlias, entry.Alias)
	delete(g.byKey, k)
	return nil
}

// Mappings returns a copy of every mapping ordered by category, then by
// alias sequence.
func (g *Glossary) Mappings() []Mapping {
	g.mu.RLock()
	out := make([]Mapping, 0, len(g.byKey))
	for _, m := range g.byKey {
		out = append(out, *m)
	}
	g.mu.RUnlock()
	sortMappings(out)
	return out
}

// Counters returns a copy of the per-category sequence counters.
func (g *Glossary) Counters() map[pii.Category]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[pii.Category]int, len(g.counters))
	for c, n := range g.counters {
		out[c] = n
	}
	return out
}

func sortMappings(ms []Mapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Category != ms[j].Category {
			return ms[i].Category < ms[j].Category
		}
		if len(ms[i].Alias) != len(ms[j].Alias) {
			return len(ms[i].Alias) < len(ms[j].Alias)
		}
		return ms[i].Alias < ms[j].Alias
	})
}

func formatAlias(category pii.Category, n int) string {
	return category.AliasPrefix() + "_" + strconv.Itoa(n)
}

// aliasSequence extracts N from a minted alias "<prefix>_N" of category.
func aliasSequence(category pii.Category, alias string) (int, bool) {
	rest, ok := strings.CutPrefix(alias, category.AliasPrefix()+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
