package qalinker

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"time"
)

// EmbeddingClient is the subset of the OpenAI client used for embeddings,
// to enable testing/mocking.
type EmbeddingClient interface {
	CreateEmbeddings(
		ctx context.Context,
		conv openai.EmbeddingRequestConverter,
	) (res openai.EmbeddingResponse, err error)
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API (or a
// compatible server, via EmbedderConfig.BaseURL).
type OpenAIEmbedder struct {
	client         EmbeddingClient
	config         *EmbedderConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	dim            int
}

func NewOpenAIEmbedder(
	config *EmbedderConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*OpenAIEmbedder, error) {
	if config.Token == "" {
		return nil, errors.New("openai embedder requires a token")
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAIEmbedder(config, openai.NewClientWithConfig(clientCfg), logger), nil
}

func newOpenAIEmbedder(
	config *EmbedderConfig,
	client EmbeddingClient,
	logger *slog.Logger,
) *OpenAIEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}

	dim := config.Dimension
	if dim <= 0 {
		dim = openAIModelDimension(config.Model)
	}
	return &OpenAIEmbedder{
		client:         client,
		config:         config,
		logger:         logger.With(loggerNameKey, "openai_embedder"),
		requestLimiter: rate.NewLimiter(limit, 1),
		dim:            dim,
	}
}

// openAIModelDimension returns the native dimension of known
// embedding models
func openAIModelDimension(model string) int {
	switch openai.EmbeddingModel(model) {
	case openai.LargeEmbedding3:
		return 3072
	default:
		return 1536
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = normalizeText(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	if err := e.requestLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting on request limiter: %w", err)
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.config.Model),
		Input: []string{text},
	}
	if e.config.Dimension > 0 {
		req.Dimensions = e.config.Dimension
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		e.logger.ErrorContext(ctx, "error creating embedding", tint.Err(err))
		return nil, fmt.Errorf("openai API error: %w", err)
	}
	e.logger.DebugContext(
		ctx,
		"created embedding",
		"model", resp.Model,
		"elapsed", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
	)

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned from API")
	}

	data := resp.Data[0].Embedding
	if len(data) != e.dim {
		return nil, fmt.Errorf(
			"%w: expected %d, got %d",
			ErrDimensionMismatch,
			e.dim,
			len(data),
		)
	}
	v := make([]float32, len(data))
	for i, x := range data {
		v[i] = float32(x)
	}

	l2normalize(v)
	return v, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

func (e *OpenAIEmbedder) ModelInfo() string {
	return fmt.Sprintf("openai-%s-%d", e.config.Model, e.dim)
}
