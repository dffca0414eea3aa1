package entitycheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultEmbeddingModel is used when OpenAIConfig.Model is empty.
const DefaultEmbeddingModel = "text-embedding-3-small"

// OpenAIConfig points the oracle at any OpenAI-compatible embeddings API
// (OpenAI, Azure deployments behind a proxy, Ollama, vLLM).
type OpenAIConfig struct {
	// BaseURL includes the version path, e.g. "http://localhost:11434/v1".
	// Empty uses api.openai.com.
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIOracle embeds text through the /embeddings endpoint.
type OpenAIOracle struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIOracle builds an oracle from cfg.
func NewOpenAIOracle(cfg OpenAIConfig) *OpenAIOracle {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	config.HTTPClient = &http.Client{Timeout: timeout}
	return newOpenAIOracleWithClient(openai.NewClientWithConfig(config), cfg.Model)
}

func newOpenAIOracleWithClient(client *openai.Client, model string) *OpenAIOracle {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenAIOracle{client: client, model: openai.EmbeddingModel(model)}
}

// Embed implements Oracle.
func (o *OpenAIOracle) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("calling embedding service: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, x := range resp.Data[0].Embedding {
		vec[i] = float64(x)
	}
	return vec, nil
}

// OpenAILoader returns a load function for New that embeds one word and
// checks the vector has the dimension of the references.
func OpenAILoader(cfg OpenAIConfig, dim int) func(context.Context) (Oracle, error) {
	return func(ctx context.Context) (Oracle, error) {
		o := NewOpenAIOracle(cfg)
		vec, err := o.Embed(ctx, "sentencia")
		if err != nil {
			return nil, err
		}
		if dim > 0 && len(vec) != dim {
			return nil, fmt.Errorf("embedding service returns %d dimensions, references have %d", len(vec), dim)
		}
		log.Info().Str("model", string(o.model)).Int("dim", len(vec)).Msg("embedding_oracle_ready")
		return o, nil
	}
}
