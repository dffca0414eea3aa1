package glossary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry hands out one Glossary per project id. With a Store attached,
// a project's glossary is loaded from its last snapshot on first use.
type Registry struct {
	store *Store

	mu         sync.Mutex
	glossaries map[string]*Glossary
}

// NewRegistry creates a registry; store may be nil for in-memory use.
func NewRegistry(store *Store) *Registry {
	return &Registry{store: store, glossaries: make(map[string]*Glossary)}
}

// Get returns the glossary of projectID, creating or loading it on first use.
func (r *Registry) Get(ctx context.Context, projectID string) (*Glossary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.glossaries[projectID]; ok {
		return g, nil
	}
	g := New(projectID)
	if r.store != nil {
		snap, err := r.store.Load(ctx, projectID)
		switch {
		case errors.Is(err, ErrNoSnapshot):
		case err != nil:
			return nil, fmt.Errorf("loading glossary for %s: %w", projectID, err)
		default:
			if err := g.Restore(snap); err != nil {
				return nil, fmt.Errorf("restoring glossary for %s: %w", projectID, err)
			}
			log.Debug().Str("project_id", projectID).Int("mappings", len(snap.Mappings)).Msg("glossary_loaded")
		}
	}
	r.glossaries[projectID] = g
	return g, nil
}

// Save persists the glossary of projectID. It is a no-op without a store
// or for projects never touched.
func (r *Registry) Save(ctx context.Context, projectID string) error {
	r.mu.Lock()
	g, ok := r.glossaries[projectID]
	r.mu.Unlock()
	if !ok || r.store == nil {
		return nil
	}
	return r.store.Save(ctx, g.Snapshot())
}

// Projects returns the ids of every project opened so far.
func (r *Registry) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.glossaries))
	for id := range r.glossaries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
