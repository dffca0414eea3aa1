package anonymize

import (
	"context"
	"errors"
	"sync"

	"github.com/dativo-io/anonimiza/internal/dateshift"
	"github.com/dativo-io/anonimiza/internal/glossary"
)

// ErrNoProject is returned when Anonymize is called without a project.
var ErrNoProject = errors.New("project is required")

// Project is the per-project state every document of the project shares:
// one alias glossary and one date shifter. Both are safe for concurrent use.
type Project struct {
	ID       string
	Glossary *glossary.Glossary
	Dates    *dateshift.Shifter
}

// NewProject builds an in-memory project.
func NewProject(id string, dateOpts ...dateshift.Option) *Project {
	return &Project{
		ID:       id,
		Glossary: glossary.New(id),
		Dates:    dateshift.New(id, dateOpts...),
	}
}

// Projects opens projects by id, loading glossaries through a
// glossary.Registry. One Project value exists per id.
type Projects struct {
	glossaries *glossary.Registry
	dateOpts   []dateshift.Option

	mu       sync.Mutex
	projects map[string]*Project
}

// NewProjects creates the registry. glossaries may be nil for a purely
// in-memory registry.
func NewProjects(glossaries *glossary.Registry, dateOpts ...dateshift.Option) *Projects {
	if glossaries == nil {
		glossaries = glossary.NewRegistry(nil)
	}
	return &Projects{
		glossaries: glossaries,
		dateOpts:   dateOpts,
		projects:   make(map[string]*Project),
	}
}

// Get returns the project with id, opening it on first use.
func (p *Projects) Get(ctx context.Context, id string) (*Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proj, ok := p.projects[id]; ok {
		return proj, nil
	}
	g, err := p.glossaries.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	proj := &Project{ID: id, Glossary: g, Dates: dateshift.New(id, p.dateOpts...)}
	p.projects[id] = proj
	return proj, nil
}

// Save persists the glossary of project id.
func (p *Projects) Save(ctx context.Context, id string) error {
	return p.glossaries.Save(ctx, id)
}

// IDs returns the ids of every project opened so far, sorted.
func (p *Projects) IDs() []string {
	return p.glossaries.Projects()
}
