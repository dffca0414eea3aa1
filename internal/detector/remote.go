package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dativo-io/anonimiza/internal/pii"
)

// RemoteConfig describes an external NER service speaking the JSON
// contract of Remote.
type RemoteConfig struct {
	Name     string
	Endpoint string
	// HealthURL, when set, is probed once with GET before the first request.
	// A failed probe disables the source for the life of the process.
	HealthURL string
	Timeout   time.Duration
	// RequestsPerSecond <= 0 disables throttling.
	RequestsPerSecond float64
	Burst             int
	// ByteOffsets is set when the service reports byte offsets. Otherwise
	// offsets are taken as code-point indexes and converted.
	ByteOffsets bool
}

// Remote is a detection source backed by an HTTP service. It POSTs
// {"text", "categories", "min_confidence"} and expects
// {"entities": [{"label", "start", "end", "score"}]}.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
	probe   *Lazy[struct{}]
}

type remoteRequest struct {
	Text          string   `json:"text"`
	Categories    []string `json:"categories,omitempty"`
	MinConfidence float64  `json:"min_confidence"`
}

type remoteEntity struct {
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

type remoteResponse struct {
	Entities []remoteEntity `json:"entities"`
}

// NewRemote builds a Remote source.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	r.probe = NewLazy(r.checkHealth)
	return r
}

// Name implements Source.
func (r *Remote) Name() string { return r.cfg.Name }

// Available implements Source. The service counts as available until its
// health probe fails.
func (r *Remote) Available() bool { return r.probe.Available() }

// State exposes the health probe state.
func (r *Remote) State() State { return r.probe.State() }

func (r *Remote) checkHealth(ctx context.Context) (struct{}, error) {
	if r.cfg.HealthURL == "" {
		return struct{}{}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return struct{}{}, fmt.Errorf("creating health request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return struct{}{}, fmt.Errorf("probing %s: %w", r.cfg.HealthURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return struct{}{}, fmt.Errorf("probing %s: status %d", r.cfg.HealthURL, resp.StatusCode)
	}
	log.Info().Str("source", r.cfg.Name).Msg("remote_detector_ready")
	return struct{}{}, nil
}

// Detect implements Source.
func (r *Remote) Detect(ctx context.Context, text string, categories pii.CategorySet, minConfidence float64) ([]pii.Detection, error) {
	if _, err := r.probe.Get(ctx); err != nil {
		return nil, err
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	payload := remoteRequest{Text: text, MinConfidence: minConfidence}
	for c := range categories {
		payload.Categories = append(payload.Categories, string(c))
	}
	sort.Strings(payload.Categories)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", r.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calling %s: status %d: %s", r.cfg.Endpoint, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding detect response: %w", err)
	}
	return r.toDetections(text, decoded.Entities, categories, minConfidence), nil
}

func (r *Remote) toDetections(text string, entities []remoteEntity, categories pii.CategorySet, minConfidence float64) []pii.Detection {
	var toByte func(int) int
	if !r.cfg.ByteOffsets {
		toByte = runeToByteIndex(text)
	}

	out := make([]pii.Detection, 0, len(entities))
	for _, e := range entities {
		category, ok := pii.ParseCategory(e.Label)
		if !ok || category == pii.NotEntity {
			log.Debug().Str("source", r.cfg.Name).Str("label", e.Label).Msg("remote_label_unknown")
			continue
		}
		if !categories.Allows(category) {
			continue
		}
		conf := pii.ClampConfidence(e.Score)
		if conf < minConfidence {
			continue
		}
		start, end := e.Start, e.End
		if toByte != nil {
			start, end = toByte(start), toByte(end)
		}
		span, err := pii.NewSpan(text, start, end)
		if err != nil {
			log.Debug().Err(err).Str("source", r.cfg.Name).Msg("remote_span_dropped")
			continue
		}
		out = append(out, pii.Detection{
			Category:   category,
			Value:      span.Text,
			Span:       span,
			Confidence: conf,
			Source:     r.cfg.Name,
		})
	}
	return out
}

// runeToByteIndex returns a converter from code-point index to byte offset.
// Indexes past the end map to -1 so the span is rejected.
func runeToByteIndex(text string) func(int) int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))
	return func(n int) int {
		if n < 0 || n >= len(offsets) {
			return -1
		}
		return offsets[n]
	}
}
