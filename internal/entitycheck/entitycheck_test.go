package entitycheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/anonimiza/internal/detector"
	"github.com/dativo-io/anonimiza/internal/pii"
)

type fakeOracle struct {
	mu      sync.Mutex
	vectors map[string][]float64
	calls   []string
	err     error
}

func (f *fakeOracle) Embed(_ context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0, 0}, nil
}

func (f *fakeOracle) callCount(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == text {
			n++
		}
	}
	return n
}

func testRefs() References {
	return References{
		pii.Person:       {1, 0, 0, 0},
		pii.Organization: {0, 1, 0, 0},
		pii.Location:     {0, 0, 1, 0},
		pii.NotEntity:    {0, 0, 0, 1},
	}
}

func newTestValidator(o *fakeOracle, opts ...Option) *Validator {
	opts = append([]Option{WithContextWindow(0)}, opts...)
	return NewWithOracle(o, testRefs(), opts...)
}

func TestValidateDecisions(t *testing.T) {
	oracle := &fakeOracle{vectors: map[string][]float64{
		"Juan Pérez":  {1, 0, 0, 0},
		"Acme":        {0.1, 0.99, 0, 0},
		"Ambiguo":     {1, 1.03, 0, 0},
		"Medio":       {1, 1.12, 0, 0},
		"Flojo":       {0.3, 0.7, 0, 0.6},
		"lo expuesto": {0.1, 0, 0, 1},
		"Madrid":      {0, 0, 1, 0},
	}}
	v := newTestValidator(oracle)

	tests := []struct {
		name         string
		text         string
		category     pii.Category
		wantAction   Action
		wantCategory pii.Category
	}{
		{"original wins", "Juan Pérez", pii.Person, Keep, pii.Person},
		{"clear winner reclassifies", "Acme", pii.Person, Reclassify, pii.Organization},
		{"close call is flagged", "Ambiguo", pii.Person, FlagForReview, pii.Person},
		{"medium margin keeps", "Medio", pii.Person, Keep, pii.Person},
		{"weak winner keeps", "Flojo", pii.Person, Keep, pii.Person},
		{"non entity rejects", "lo expuesto", pii.Person, Reject, pii.Person},
		{"location to location", "Madrid", pii.Location, Keep, pii.Location},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tt.text, tt.category, "", pii.Span{})
			assert.Equal(t, tt.wantAction, res.Action, res.Reason)
			assert.Equal(t, tt.wantCategory, res.Category)
			assert.Equal(t, tt.category, res.Original)
		})
	}
}

func TestReclassifyReportsMargin(t *testing.T) {
	oracle := &fakeOracle{vectors: map[string][]float64{"Acme": {0.1, 0.99, 0, 0}}}
	res := newTestValidator(oracle).Validate(context.Background(), "Acme", pii.Person, "", pii.Span{})
	require.Equal(t, Reclassify, res.Action)
	assert.InDelta(t, 0.995, res.Score, 0.001)
	assert.InDelta(t, 0.894, res.Margin, 0.001)
	assert.Contains(t, res.Reason, "ORGANIZATION beats PERSON")
}

func TestWithThresholds(t *testing.T) {
	oracle := &fakeOracle{vectors: map[string][]float64{"Flojo": {0.3, 0.7, 0, 0.6}}}
	v := newTestValidator(oracle, WithThresholds(Thresholds{Margin: 0.10, Absolute: 0.70, Review: 0.05}))
	res := v.Validate(context.Background(), "Flojo", pii.Person, "", pii.Span{})
	assert.Equal(t, Reclassify, res.Action)
	assert.Equal(t, pii.Organization, res.Category)
}

func TestStopWordsRejectWithoutOracle(t *testing.T) {
	oracle := &fakeOracle{}
	v := newTestValidator(oracle)
	for _, word := range []string{"Sentencia", "  MINISTERIO   FISCAL ", "Sra.", "Letrado de la Administración de Justicia"} {
		res := v.Validate(context.Background(), word, pii.Person, "", pii.Span{})
		assert.Equal(t, Reject, res.Action, word)
		assert.Equal(t, "stop word", res.Reason)
	}
	assert.Empty(t, oracle.calls)
}

func TestWithStopWords(t *testing.T) {
	v := newTestValidator(&fakeOracle{}, WithStopWords([]string{"otrosí"}))
	assert.Equal(t, Reject, v.Validate(context.Background(), "OTROSÍ", pii.Person, "", pii.Span{}).Action)
	assert.Equal(t, Keep, v.Validate(context.Background(), "Sentencia", pii.Person, "", pii.Span{}).Action)
}

func TestFormatCategoriesSkipOracle(t *testing.T) {
	oracle := &fakeOracle{}
	v := newTestValidator(oracle)
	res := v.Validate(context.Background(), "12345678Z", pii.DNI, "", pii.Span{})
	assert.Equal(t, Keep, res.Action)
	assert.Equal(t, pii.DNI, res.Category)
	assert.Empty(t, oracle.calls)
}

func TestMissingReferenceKeeps(t *testing.T) {
	oracle := &fakeOracle{}
	res := newTestValidator(oracle).Validate(context.Background(), "Calle Mayor 1", pii.Address, "", pii.Span{})
	assert.Equal(t, Keep, res.Action)
	assert.Contains(t, res.Reason, "no reference vector")
}

func TestOracleUnavailableKeeps(t *testing.T) {
	loads := 0
	v := New(func(context.Context) (Oracle, error) {
		loads++
		return nil, errors.New("model file missing")
	}, testRefs(), WithContextWindow(0))

	for i := 0; i < 3; i++ {
		res := v.Validate(context.Background(), "Acme", pii.Person, "", pii.Span{})
		assert.Equal(t, Keep, res.Action)
		assert.Equal(t, "oracle unavailable", res.Reason)
	}
	assert.Equal(t, 1, loads)
	assert.Equal(t, detector.FailedPermanently, v.OracleState())
}

func TestEmbeddingErrorKeeps(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("timeout")}
	res := newTestValidator(oracle).Validate(context.Background(), "Acme", pii.Person, "", pii.Span{})
	assert.Equal(t, Keep, res.Action)
	assert.Equal(t, "embedding failed", res.Reason)
}

func TestEmbeddingsAreMemoized(t *testing.T) {
	oracle := &fakeOracle{}
	v := newTestValidator(oracle)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Validate(context.Background(), "Juan Pérez", pii.Person, "", pii.Span{})
		}()
	}
	wg.Wait()
	v.Validate(context.Background(), "Juan Pérez", pii.Person, "", pii.Span{})
	assert.Equal(t, 1, oracle.callCount("Juan Pérez"))
}

func TestEmbeddingCacheIsBounded(t *testing.T) {
	oracle := &fakeOracle{}
	v := newTestValidator(oracle, WithCacheSize(2))
	ctx := context.Background()

	for _, name := range []string{"Ana Ruiz", "Luis Gómez", "Marta Sanz"} {
		v.Validate(ctx, name, pii.Person, "", pii.Span{})
	}
	assert.Equal(t, 2, v.embedded.len())

	// The oldest entry was evicted; the newest is still cached.
	v.Validate(ctx, "Ana Ruiz", pii.Person, "", pii.Span{})
	v.Validate(ctx, "Marta Sanz", pii.Person, "", pii.Span{})
	assert.Equal(t, 2, oracle.callCount("Ana Ruiz"))
	assert.Equal(t, 1, oracle.callCount("Marta Sanz"))
	assert.Equal(t, 2, v.embedded.len())
}

type blockingOracle struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
	ctxErr  error
}

func (b *blockingOracle) Embed(ctx context.Context, _ string) ([]float64, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return []float64{1, 0, 0, 0}, nil
}

func TestCancelledCallerDoesNotFailSharedEmbedding(t *testing.T) {
	oracle := &blockingOracle{started: make(chan struct{}), release: make(chan struct{})}
	v := NewWithOracle(oracle, testRefs(), WithContextWindow(0))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := v.embed(first, oracle, "Juan Pérez")
		firstErr <- err
	}()
	<-oracle.started

	second := make(chan []float64, 1)
	go func() {
		vec, err := v.embed(context.Background(), oracle, "Juan Pérez")
		assert.NoError(t, err)
		second <- vec
	}()
	// Let the second caller join the in-flight call.
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(oracle.release)
	select {
	case vec := <-second:
		assert.Equal(t, []float64{1, 0, 0, 0}, vec)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never received the shared embedding")
	}

	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	assert.Equal(t, 1, oracle.calls)
	assert.NoError(t, oracle.ctxErr, "the shared call must not see the first caller's cancellation")
}

func TestContextWindowIsEmbedded(t *testing.T) {
	full := "El demandante Acme Servicios reclama la deuda."
	start := strings.Index(full, "Acme Servicios")
	span := pii.Span{Start: start, End: start + len("Acme Servicios"), Text: "Acme Servicios"}

	oracle := &fakeOracle{vectors: map[string][]float64{
		"Acme Servicios": {0, 1, 0, 0},
		full:             {0, 1, 0, 0},
	}}
	v := NewWithOracle(oracle, testRefs())
	res := v.Validate(context.Background(), "Acme Servicios", pii.Organization, full, span)
	assert.Equal(t, Keep, res.Action)
	assert.Equal(t, 1, oracle.callCount(full))
}

func TestContextWindowSnapsToRunes(t *testing.T) {
	full := "ñññññ Juan ñññññ"
	start := strings.Index(full, "Juan")
	span := pii.Span{Start: start, End: start + 4, Text: "Juan"}
	got := contextWindow(full, span, 3)
	assert.Contains(t, got, "Juan")
	assert.True(t, strings.HasPrefix(got, "ñ"))
	assert.True(t, strings.HasSuffix(got, "ñ"))
	assert.Equal(t, "", contextWindow(full, pii.Span{Start: 40, End: 50}, 3))
	assert.Equal(t, "", contextWindow(full, span, 0))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "keep", Keep.String())
	assert.Equal(t, "reclassify", Reclassify.String())
	assert.Equal(t, "flag_for_review", FlagForReview.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "Action(9)", Action(9).String())
}

func TestParseReferences(t *testing.T) {
	refs, err := ParseReferences([]byte(`{"PER": [1, 0], "ORG": [0, 1], "NOT_ENTITY": [1, 1]}`))
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, []float64{1, 0}, refs[pii.Person])
	assert.Equal(t, 2, refs.Dim())

	refs, err = ParseReferences([]byte("location: [0.5, 0.5]\n"))
	require.NoError(t, err)
	assert.Contains(t, refs, pii.Location)

	bad := map[string]string{
		"unknown category": `{"SPACESHIP": [1]}`,
		"zero vector":      `{"PERSON": [0, 0]}`,
		"empty vector":     `{"PERSON": []}`,
		"dimension":        `{"PERSON": [1, 0], "ORG": [1]}`,
		"empty table":      `{}`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReferences([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidReferences)
		})
	}
	_, err = ParseReferences([]byte("PERSON: [1, oops"))
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{1}, []float64{1, 0}))
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, []float64{1, 0}))
}

func newEmbeddingServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultEmbeddingModel, req.Model)
		if len(req.Input) == 1 && req.Input[0] == "fallo" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Object: "list",
			Data:   []openai.Embedding{{Object: "embedding", Embedding: vector, Index: 0}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIOracle(t *testing.T) {
	srv := newEmbeddingServer(t, []float32{0, 1, 0, 0})
	cfg := OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test-key", Timeout: time.Second}

	v := New(OpenAILoader(cfg, 4), testRefs(), WithContextWindow(0))
	res := v.Validate(context.Background(), "Acme", pii.Organization, "", pii.Span{})
	assert.Equal(t, Keep, res.Action)
	assert.Equal(t, detector.Ready, v.OracleState())

	vec, err := NewOpenAIOracle(cfg).Embed(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 0}, vec)

	_, err = NewOpenAIOracle(cfg).Embed(context.Background(), "fallo")
	assert.Error(t, err)
}

func TestOpenAILoaderDimensionMismatch(t *testing.T) {
	srv := newEmbeddingServer(t, []float32{1, 0})
	cfg := OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test-key", Timeout: time.Second}

	v := New(OpenAILoader(cfg, 4), testRefs())
	res := v.Validate(context.Background(), "Acme", pii.Organization, "", pii.Span{})
	assert.Equal(t, "oracle unavailable", res.Reason)
	assert.Equal(t, detector.FailedPermanently, v.OracleState())
}
