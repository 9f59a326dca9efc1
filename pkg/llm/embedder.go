package llm

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
)

// EmbedderConfig represents the configuration for the embedding client.
type EmbedderConfig struct {
	Provider  string // "ollama" or "openai"
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	RateLimit float64 // provider requests per second
	Burst     int
	BatchSize int
	Timeout   time.Duration
	Cache     *cache.Manager
	Logger    *slog.Logger
}

// EmbeddingClient turns text into fixed-dimension vectors. It never fails: provider errors
// fall back to a deterministic hash embedding.
type EmbeddingClient struct {
	config   EmbedderConfig
	provider types.EmbeddingProvider
	limiter  *rate.Limiter
	cache    *cache.Manager
	logger   *slog.Logger

	fallbacks atomic.Int64
}

func (c *EmbedderConfig) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		if c.Provider == "openai" {
			c.Model = "text-embedding-3-small"
		} else {
			c.Model = "nomic-embed-text:latest" // Default Ollama model
		}
	}
	if c.BaseURL == "" && c.Provider == "ollama" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.Burst == 0 {
		c.Burst = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewEmbeddingProvider builds the langchaingo client for the configured provider.
func NewEmbeddingProvider(config EmbedderConfig) (types.EmbeddingProvider, error) {
	config.applyDefaults()
	switch config.Provider {
	case "ollama":
		emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		return emb, nil
	case "openai":
		opts := []openai.Option{openai.WithEmbeddingModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		emb, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		return emb, nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
}

// NewEmbeddingClient wraps provider with caching, rate limiting and fallback.
// A nil provider runs in offline mode where every vector is a fallback vector.
func NewEmbeddingClient(provider types.EmbeddingProvider, config EmbedderConfig) *EmbeddingClient {
	config.applyDefaults()
	return &EmbeddingClient{
		config:   config,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		cache:    config.Cache,
		logger:   config.Logger,
	}
}

func (e *EmbeddingClient) Dimension() int {
	return e.config.Dimension
}

// Fallbacks is the number of vectors served by the hash fallback so far.
func (e *EmbeddingClient) Fallbacks() int64 {
	return e.fallbacks.Load()
}

func (e *EmbeddingClient) Embed(ctx context.Context, text string) []float32 {
	return e.EmbedBatch(ctx, []string{text})[0]
}

// EmbedBatch embeds texts in order. Cached vectors are reused and misses are sent to the
// provider in batches of BatchSize.
func (e *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))

	// index of every position waiting on a given normalized text
	pending := make(map[string][]int)
	var order []string

	for i, t := range texts {
		norm := cache.NormalizeText(t)
		if norm == "" {
			out[i] = FallbackEmbedding("", e.config.Dimension)
			continue
		}
		if v, ok := e.cached(ctx, norm); ok {
			out[i] = v
			continue
		}
		if _, seen := pending[norm]; !seen {
			order = append(order, norm)
		}
		pending[norm] = append(pending[norm], i)
	}

	for startIdx := 0; startIdx < len(order); startIdx += e.config.BatchSize {
		batch := order[startIdx:min(startIdx+e.config.BatchSize, len(order))]
		vectors, err := e.callProvider(ctx, batch)
		for j, norm := range batch {
			var v []float32
			if err != nil {
				v = FallbackEmbedding(norm, e.config.Dimension)
				e.fallbacks.Add(1)
			} else {
				v = vectors[j]
				e.store(ctx, norm, v)
			}
			for _, i := range pending[norm] {
				out[i] = v
			}
		}
		if err != nil {
			e.logger.Warn("embedding provider failed, using fallback vectors",
				"batch", len(batch), "error", err)
		}
	}
	return out
}

func (e *EmbeddingClient) callProvider(ctx context.Context, batch []string) ([][]float32, error) {
	if e.provider == nil {
		return nil, &types.EmbeddingProviderError{Err: fmt.Errorf("no provider configured")}
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &types.EmbeddingProviderError{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	vectors, err := e.provider.CreateEmbedding(callCtx, batch)
	if err != nil {
		return nil, &types.EmbeddingProviderError{Err: err}
	}
	if len(vectors) != len(batch) {
		return nil, &types.EmbeddingProviderError{Err: fmt.Errorf("got %d vectors for %d texts", len(vectors), len(batch))}
	}
	for _, v := range vectors {
		if len(v) != e.config.Dimension {
			return nil, &types.EmbeddingProviderError{Err: fmt.Errorf("dimension %d, want %d", len(v), e.config.Dimension)}
		}
	}
	return vectors, nil
}

func (e *EmbeddingClient) key(norm string) cache.Key {
	return cache.NewKey(cache.Global(), cache.CategoryEmbedding, e.config.Model, norm)
}

func (e *EmbeddingClient) cached(ctx context.Context, norm string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, ok := e.cache.Get(ctx, e.key(norm))
	if !ok {
		return nil, false
	}
	v, err := decodeVector(data)
	if err != nil || len(v) != e.config.Dimension {
		return nil, false
	}
	return v, true
}

func (e *EmbeddingClient) store(ctx context.Context, norm string, v []float32) {
	if e.cache == nil {
		return
	}
	e.cache.Set(ctx, e.key(norm), encodeVector(v))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
