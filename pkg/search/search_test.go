package search_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/search"
	"github.com/xhad/dossier/pkg/store"
)

// stubEmbedder maps known texts to fixed vectors; everything else is orthogonal to them.
type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) []float32 {
	s.calls++
	if v, ok := s.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 1}
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.Embed(ctx, t)
	}
	return out
}

func (s *stubEmbedder) Dimension() int { return 3 }

func seedCase(t *testing.T, s *store.MemoryStore, caseID string, chunks ...models.Chunk) {
	t.Helper()
	ctx := context.Background()
	docID := caseID + "-doc"
	require.NoError(t, s.SaveDocument(ctx, models.Document{ID: docID, CaseID: caseID, CreatedAt: time.Now()}))
	for i := range chunks {
		chunks[i].DocumentID = docID
		chunks[i].CaseID = caseID
		chunks[i].Index = i
	}
	require.NoError(t, s.InsertChunks(ctx, docID, chunks))
}

func TestSearch_MedicalConditionsScenario(t *testing.T) {
	s := store.NewMemoryStore()
	seedCase(t, s, "case-1",
		models.Chunk{ID: "a", Text: "Medical records list chronic back pain.", Embedding: []float32{1, 0, 0}},
		models.Chunk{ID: "b", Text: "The medical office was closed on Fridays.", Embedding: []float32{0, 1, 0}},
		models.Chunk{ID: "c", Text: "Diagnosed with arthritis and hypertension.", Embedding: []float32{0.9, 0.1, 0}},
	)
	emb := &stubEmbedder{vectors: map[string][]float32{"medical conditions": {1, 0, 0}}}
	engine, err := search.NewWithConfig(search.EngineConfig{Store: s, Embedder: emb})
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), "case-1", "medical conditions", search.Config{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].Chunk.ID)
	assert.Equal(t, models.MatchHybrid, results[0].Method)
	assert.Equal(t, "c", results[1].Chunk.ID)
	assert.Equal(t, models.MatchVector, results[1].Method)
	assert.Equal(t, "b", results[2].Chunk.ID)
	assert.Equal(t, models.MatchKeyword, results[2].Method)
}

func TestSearch_KeywordFallbackWithoutEmbeddings(t *testing.T) {
	s := store.NewMemoryStore()
	seedCase(t, s, "case-1",
		models.Chunk{ID: "a", Text: "Employment history at the warehouse."},
		models.Chunk{ID: "b", Text: "Unrelated text."},
	)
	emb := &stubEmbedder{}
	engine, err := search.NewWithConfig(search.EngineConfig{Store: s, Embedder: emb})
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), "case-1", "employment history", search.Config{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Chunk.ID)
	assert.Equal(t, models.MatchKeyword, results[0].Method)
	assert.Zero(t, emb.calls, "nothing is embedded so no query vectors are needed")
}

type failingVectorStore struct {
	*store.MemoryStore
	vectorErr  error
	keywordErr error
}

func (f failingVectorStore) SimilaritySearch(context.Context, string, []float32, float64, int) ([]models.SearchResult, error) {
	return nil, f.vectorErr
}

func (f failingVectorStore) KeywordSearch(ctx context.Context, caseID string, terms []string, limit int) ([]models.SearchResult, error) {
	if f.keywordErr != nil {
		return nil, f.keywordErr
	}
	return f.MemoryStore.KeywordSearch(ctx, caseID, terms, limit)
}

func TestSearch_VectorFailureFallsBackToKeyword(t *testing.T) {
	mem := store.NewMemoryStore()
	seedCase(t, mem, "case-1",
		models.Chunk{ID: "a", Text: "Financial situation is stable.", Embedding: []float32{1, 0, 0}},
	)
	fs := failingVectorStore{MemoryStore: mem, vectorErr: errors.New("index corrupted")}

	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	engine, err := search.NewWithConfig(search.EngineConfig{Store: fs, Embedder: &stubEmbedder{}, Cache: m})
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), "case-1", "financial situation", search.Config{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.MatchKeyword, results[0].Method)

	assert.Zero(t, m.Stats().L1.Writes, "degraded results are not cached")
}

func TestSearch_StoreUnavailableIsFatal(t *testing.T) {
	mem := store.NewMemoryStore()
	seedCase(t, mem, "case-1",
		models.Chunk{ID: "a", Text: "Financial situation.", Embedding: []float32{1, 0, 0}},
	)
	down := fmt.Errorf("dial: %w", types.ErrStoreUnavailable)
	fs := failingVectorStore{MemoryStore: mem, vectorErr: down, keywordErr: down}
	engine, err := search.NewWithConfig(search.EngineConfig{Store: fs, Embedder: &stubEmbedder{}})
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), "case-1", "financial situation", search.Config{})
	require.Error(t, err)
	assert.True(t, types.IsStoreUnavailable(err))
}

func TestSearch_ResultsAreCachedPerCase(t *testing.T) {
	s := store.NewMemoryStore()
	seedCase(t, s, "case-1",
		models.Chunk{ID: "a", Text: "Medical history.", Embedding: []float32{1, 0, 0}},
	)
	emb := &stubEmbedder{vectors: map[string][]float32{"medical history": {1, 0, 0}}}
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	engine, err := search.NewWithConfig(search.EngineConfig{Store: s, Embedder: emb, Cache: m})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := engine.Search(ctx, "case-1", "medical history", search.Config{})
	require.NoError(t, err)
	calls := emb.calls

	second, err := engine.Search(ctx, "case-1", "medical history", search.Config{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, emb.calls, "second call is served from cache")

	_, err = m.InvalidateCase(ctx, "case-1")
	require.NoError(t, err)
	_, err = engine.Search(ctx, "case-1", "medical history", search.Config{})
	require.NoError(t, err)
	assert.Greater(t, emb.calls, calls)
}

func TestSearch_RejectsKeywordWeightAboveComplement(t *testing.T) {
	engine, err := search.NewWithConfig(search.EngineConfig{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	_, err = engine.Search(context.Background(), "c", "q", search.Config{VectorWeight: 0.8, KeywordOnlyWeight: 0.5})
	assert.Error(t, err)
}

func TestFuse_DualMatchRanksAtLeastKeywordOnly(t *testing.T) {
	dual := models.Chunk{ID: "dual"}
	kwOnly := models.Chunk{ID: "kw"}

	for _, w := range []float64{0.01, 0.1, 0.3, 0.5, 0.7, 0.9, 0.99} {
		for _, v := range []float64{0, 0.2, 0.6, 1} {
			t.Run(fmt.Sprintf("w=%.2f v=%.1f", w, v), func(t *testing.T) {
				results := search.Fuse(
					[]models.SearchResult{{Chunk: dual, Score: v}},
					[]models.SearchResult{{Chunk: dual, Score: 0.1}, {Chunk: kwOnly, Score: 1}},
					search.Config{VectorWeight: w},
				)
				require.Len(t, results, 2)
				scores := map[string]float64{}
				for _, r := range results {
					scores[r.Chunk.ID] = r.Score
				}
				assert.GreaterOrEqual(t, scores["dual"], scores["kw"])
			})
		}
	}
}

func TestFuse_DedupesAndCaps(t *testing.T) {
	c := func(id string) models.Chunk { return models.Chunk{ID: id} }
	results := search.Fuse(
		[]models.SearchResult{{Chunk: c("a"), Score: 0.6}, {Chunk: c("a"), Score: 0.9}, {Chunk: c("b"), Score: 0.8}},
		[]models.SearchResult{{Chunk: c("c"), Score: 1}},
		search.Config{VectorWeight: 0.5, MatchCount: 2},
	)
	require.Len(t, results, 2)
	assert.Equal(t, "c", results[0].Chunk.ID)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
	assert.Equal(t, "a", results[1].Chunk.ID)
	assert.InDelta(t, 0.45, results[1].Score, 1e-9, "best vector score per chunk wins")
}

func TestThresholdPolicy_Monotone(t *testing.T) {
	policies := []search.ThresholdPolicy{
		search.DefaultThresholdPolicy(),
		{Base: 0.6, Relax: 0.5, Tighten: 0.5, SmallPool: 1, LargePool: 100},
		{Base: 0.3, Relax: 0.1, Tighten: 0, SmallPool: 50, LargePool: 50},
		{Base: 0.9, Relax: 0, Tighten: 0.3, SmallPool: 0, LargePool: 10},
	}
	for _, p := range policies {
		prev := -1.0
		for n := 0; n <= 10000; n += 7 {
			th := p.Effective(n)
			assert.GreaterOrEqual(t, th, prev, "policy %+v n=%d", p, n)
			assert.GreaterOrEqual(t, th, 0.0)
			assert.LessOrEqual(t, th, 1.0)
			prev = th
		}
	}

	p := search.DefaultThresholdPolicy()
	assert.InDelta(t, 0.3, p.Effective(3), 1e-9)
	assert.InDelta(t, 0.65, p.Effective(100000), 1e-9)
}

func TestSubQueries(t *testing.T) {
	got := search.SubQueries("medical conditions",
		[]string{"diagnoses and treatments", "Medical  Conditions"},
		map[string][]string{"medical": {"health"}, "cond": {"never"}},
		4,
	)
	assert.Equal(t, []string{"medical conditions", "diagnoses and treatments", "health conditions"}, got)

	assert.Len(t, search.SubQueries("q", []string{"a", "b", "c", "d"}, nil, 2), 2)
}

func TestKeywordTerms(t *testing.T) {
	assert.Equal(t, []string{"medical", "conditions", "claimant"},
		search.KeywordTerms("What are the medical conditions of the claimant? Medical!"))
	assert.Empty(t, search.KeywordTerms("of the an"))
}
