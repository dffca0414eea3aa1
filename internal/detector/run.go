package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	anonotel "github.com/dativo-io/anonimiza/internal/otel"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/detector")

// Progress is called once per source as it finishes (or is skipped).
// Calls are serialized; done counts from 1 to total.
type Progress func(source string, done, total int)

// Options control a Run.
type Options struct {
	Categories    pii.CategorySet
	MinConfidence float64
	// Concurrency bounds how many sources run at once; <= 0 means all.
	Concurrency int
	Progress    Progress
}

// Output is what one source produced.
type Output struct {
	Source     string
	Detections []pii.Detection
	// Skipped is set when the source reported itself unavailable.
	Skipped bool
	// Err is the source's failure, if any. A failed source contributes no
	// detections but does not fail the run.
	Err error
}

// Run sends text to every source concurrently and returns one Output per
// source, in source order. Sources share no state; each works on the same
// read-only text. The only error returned is the context's: a cancelled
// run yields no outputs.
func Run(ctx context.Context, text string, sources []Source, opts Options) ([]Output, error) {
	ctx, span := tracer.Start(ctx, "detector.run")
	defer span.End()

	outputs := make([]Output, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	var mu sync.Mutex
	done := 0
	report := func(name string) {
		if opts.Progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		opts.Progress(name, done, len(sources))
	}

	for i, src := range sources {
		g.Go(func() error {
			name := src.Name()
			outputs[i].Source = name
			defer report(name)

			if !src.Available() {
				outputs[i].Skipped = true
				log.Debug().Str("source", name).Msg("detector_unavailable")
				return nil
			}
			ds, err := src.Detect(gctx, text, opts.Categories, opts.MinConfidence)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				outputs[i].Err = fmt.Errorf("source %s: %w", name, err)
				log.Warn().Err(err).Str("source", name).Msg("detector_failed")
				return nil
			}
			outputs[i].Detections = ds
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := 0
	for _, o := range outputs {
		total += len(o.Detections)
	}
	span.SetAttributes(
		attribute.Int("detector.sources", len(sources)),
		attribute.Int("detector.detections", total),
	)
	return outputs, nil
}
