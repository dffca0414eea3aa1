package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/anonimiza/internal/anonymize"
	"github.com/dativo-io/anonimiza/internal/classifier"
	"github.com/dativo-io/anonimiza/internal/config"
	"github.com/dativo-io/anonimiza/internal/dateshift"
	"github.com/dativo-io/anonimiza/internal/detector"
	"github.com/dativo-io/anonimiza/internal/entitycheck"
	"github.com/dativo-io/anonimiza/internal/exportgate"
	"github.com/dativo-io/anonimiza/internal/glossary"
	"github.com/dativo-io/anonimiza/internal/pii"
)

// pipeline bundles what the document commands share: the engine and,
// when persistence is requested, the glossary store behind the projects.
type pipeline struct {
	cfg      *config.Config
	engine   *anonymize.Engine
	gate     *exportgate.Gate
	projects *anonymize.Projects
	store    *glossary.Store
}

// Close releases the glossary store.
func (p *pipeline) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// buildPipeline assembles the engine from cfg. With persist set, project
// glossaries are read from and written to the SQLite store in the data dir.
func buildPipeline(ctx context.Context, cfg *config.Config, persist bool) (*pipeline, error) {
	categories, err := parseCategories(cfg.EnabledEntities)
	if err != nil {
		return nil, err
	}

	scanner, err := classifier.NewScanner(
		classifier.WithPatternFile(cfg.PatternFile),
		classifier.WithEnabledEntities(cfg.EnabledEntities),
		classifier.WithDisabledEntities(cfg.DisabledEntities),
		classifier.WithMinScore(cfg.MinConfidence),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing pattern scanner: %w", err)
	}
	sources := []detector.Source{scanner}
	if cfg.NERURL != "" {
		sources = append(sources, detector.NewRemote(detector.RemoteConfig{
			Name:              "ner",
			Endpoint:          cfg.NERURL,
			HealthURL:         cfg.NERHealthURL,
			Timeout:           cfg.NERTimeout,
			RequestsPerSecond: cfg.NERRateLimit,
		}))
	}

	rules := exportgate.DefaultRules()
	if cfg.GateRules != "" {
		if rules, err = exportgate.LoadRules(cfg.GateRules); err != nil {
			return nil, err
		}
	}
	gate, err := exportgate.New(ctx, rules)
	if err != nil {
		return nil, fmt.Errorf("initializing export gate: %w", err)
	}

	opts := []anonymize.EngineOption{
		anonymize.WithGate(gate),
		anonymize.WithCategories(categories),
		anonymize.WithMinConfidence(cfg.MinConfidence),
		anonymize.WithConcurrency(cfg.Concurrency),
		anonymize.WithProgress(func(source string, done, total int) {
			log.Debug().Str("source", source).Int("done", done).Int("total", total).Msg("detector_progress")
		}),
	}
	if cfg.EmbeddingURL != "" {
		refs, err := entitycheck.LoadReferences(cfg.ReferenceVectors)
		if err != nil {
			return nil, err
		}
		validator := entitycheck.New(
			entitycheck.OpenAILoader(entitycheck.OpenAIConfig{
				BaseURL: cfg.EmbeddingURL,
				APIKey:  cfg.EmbeddingAPIKey,
				Model:   cfg.EmbeddingModel,
				Timeout: cfg.NERTimeout,
			}, refs.Dim()),
			refs,
			entitycheck.WithThresholds(entitycheck.Thresholds{
				Margin:   cfg.MarginThreshold,
				Absolute: cfg.AbsoluteThreshold,
				Review:   cfg.ReviewThreshold,
			}),
		)
		opts = append(opts, anonymize.WithValidator(validator))
	}

	p := &pipeline{cfg: cfg, engine: anonymize.NewEngine(sources, opts...), gate: gate}

	var registry *glossary.Registry
	if persist {
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := glossary.NewStore(cfg.GlossaryDBPath())
		if err != nil {
			return nil, err
		}
		p.store = store
		registry = glossary.NewRegistry(store)
	}
	p.projects = anonymize.NewProjects(registry,
		dateshift.WithMode(cfg.DateShiftMode),
		dateshift.WithMaxYears(cfg.DateShiftMaxYears),
	)
	return p, nil
}

func parseCategories(names []string) (pii.CategorySet, error) {
	cats := make([]pii.Category, 0, len(names))
	for _, name := range names {
		c, ok := pii.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("unknown entity type %q", name)
		}
		cats = append(cats, c)
	}
	return pii.NewCategorySet(cats...), nil
}

// readInput returns the contents of path, or stdin when path is empty or "-".
func readInput(in io.Reader, path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
