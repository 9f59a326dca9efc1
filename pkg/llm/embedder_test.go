package llm_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/llm"
)

type fakeProvider struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
	seen  [][]string
}

func (f *fakeProvider) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		v[len(t)%f.dim] = 1
		out[i] = v
	}
	return out, nil
}

func newClient(t *testing.T, p *fakeProvider) *llm.EmbeddingClient {
	t.Helper()
	m, err := cache.NewWithConfig(cache.ManagerConfig{Shared: cache.NewMemoryShared()})
	require.NoError(t, err)
	return llm.NewEmbeddingClient(p, llm.EmbedderConfig{Dimension: 8, BatchSize: 2, RateLimit: 1000, Burst: 10, Cache: m})
}

func TestEmbeddingClient_CachesProviderVectors(t *testing.T) {
	p := &fakeProvider{dim: 8}
	c := newClient(t, p)
	ctx := context.Background()

	first := c.Embed(ctx, "lumbar  strain")
	second := c.Embed(ctx, "  lumbar strain ")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls, "normalized text should hit the cache")
	assert.Len(t, first, 8)
}

func TestEmbeddingClient_BatchesAndPreservesOrder(t *testing.T) {
	p := &fakeProvider{dim: 8}
	c := newClient(t, p)

	texts := []string{"a", "bb", "a", "ccc", "dddd"}
	vectors := c.EmbedBatch(context.Background(), texts)
	require.Len(t, vectors, len(texts))

	assert.Equal(t, vectors[0], vectors[2])
	assert.Equal(t, float32(1), vectors[1][2])
	assert.Equal(t, float32(1), vectors[3][3])
	// four distinct texts in batches of two
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []string{"a", "bb"}, p.seen[0])
}

func TestEmbeddingClient_FallbackOnProviderError(t *testing.T) {
	p := &fakeProvider{dim: 8, err: errors.New("connection refused")}
	c := newClient(t, p)
	ctx := context.Background()

	v1 := c.Embed(ctx, "back pain after the incident")
	v2 := c.Embed(ctx, "back pain after the incident")
	assert.Equal(t, v1, v2, "fallback vectors are deterministic")
	assert.Equal(t, llm.FallbackEmbedding("back pain after the incident", 8), v1)
	assert.EqualValues(t, 2, c.Fallbacks())

	// fallback vectors are not cached, so a recovered provider is used
	p.err = nil
	v3 := c.Embed(ctx, "back pain after the incident")
	assert.NotEqual(t, v1, v3)
	assert.Equal(t, 3, p.calls)
}

func TestEmbeddingClient_DimensionMismatchFallsBack(t *testing.T) {
	p := &fakeProvider{dim: 4}
	c := newClient(t, p)

	v := c.Embed(context.Background(), "text")
	assert.Len(t, v, 8)
	assert.EqualValues(t, 1, c.Fallbacks())
}

func TestEmbeddingClient_OfflineAndEmpty(t *testing.T) {
	c := llm.NewEmbeddingClient(nil, llm.EmbedderConfig{Dimension: 16})
	assert.Equal(t, 16, c.Dimension())

	v := c.Embed(context.Background(), "")
	require.Len(t, v, 16)
	assert.Equal(t, float32(1), v[0])

	w := c.Embed(context.Background(), "offline text")
	assert.Equal(t, llm.FallbackEmbedding("offline text", 16), w)
}

func TestFallbackEmbedding(t *testing.T) {
	a := llm.FallbackEmbedding("Medical conditions reported", 64)
	b := llm.FallbackEmbedding("medical   CONDITIONS reported", 64)
	c := llm.FallbackEmbedding("employment history", 64)

	assert.Equal(t, a, b, "tokenization is case and spacing insensitive")
	assert.NotEqual(t, a, c)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Nil(t, llm.FallbackEmbedding("x", 0))
}
