package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/pkg/jobs"
	"github.com/xhad/dossier/pkg/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *recordingQueue) Enqueue(j jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) []float32 { return []float32{1, 0, 0} }

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out
}

func (constEmbedder) Dimension() int { return 3 }

// flakyStore fails InsertChunks the first time it is called.
type flakyStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) InsertChunks(ctx context.Context, docID string, chunks []models.Chunk) error {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return errors.New("chunk index corrupt")
	}
	s.mu.Unlock()
	return s.MemoryStore.InsertChunks(ctx, docID, chunks)
}

// outageStore reports the store as unavailable for chunk writes and, when updatesDown is
// set, for document updates too, until restore is called.
type outageStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	down        bool
	updatesDown bool
}

func (s *outageStore) unavailable(update bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.down || (update && !s.updatesDown) {
		return nil
	}
	return fmt.Errorf("connection refused: %w", types.ErrStoreUnavailable)
}

func (s *outageStore) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = false
}

func (s *outageStore) InsertChunks(ctx context.Context, docID string, chunks []models.Chunk) error {
	if err := s.unavailable(false); err != nil {
		return err
	}
	return s.MemoryStore.InsertChunks(ctx, docID, chunks)
}

func (s *outageStore) UpdateDocument(ctx context.Context, doc models.Document) error {
	if err := s.unavailable(true); err != nil {
		return err
	}
	return s.MemoryStore.UpdateDocument(ctx, doc)
}

func textOfLength(n int) string {
	const sentence = "The claimant reported back pain after the incident at work. "
	s := strings.Repeat(sentence, n/len(sentence)+1)
	return s[:n-1] + "."
}

func newPipeline(t *testing.T, vs types.VectorStore, q ingest.Enqueuer, c *cache.Manager) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.NewWithConfig(ingest.PipelineConfig{
		Store:    vs,
		Queue:    q,
		Cache:    c,
		Embedder: constEmbedder{},
	})
	require.NoError(t, err)
	return p
}

func TestIngest_ClassificationScenario(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	q := &recordingQueue{}
	p := newPipeline(t, vs, q, nil)

	small, err := p.Ingest(ctx, ingest.Request{DocumentID: "d-small", CaseID: "c1", Title: "Intake", Text: textOfLength(15_000)})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDirect, small.Document.Strategy)
	assert.Equal(t, models.StatusProcessed, small.Document.Status)
	assert.False(t, small.Document.Degraded)
	assert.False(t, small.EmbeddingQueued)
	assert.Greater(t, small.Chunks, 0)

	large, err := p.Ingest(ctx, ingest.Request{DocumentID: "d-large", CaseID: "c1", Title: "File", Text: textOfLength(250_000)})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyFullRAG, large.Document.Strategy)
	assert.Equal(t, models.StatusProcessed, large.Document.Status)
	assert.True(t, large.Document.Degraded)
	assert.True(t, large.EmbeddingQueued)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, jobs.Job{Kind: ingest.JobEmbed, Key: "d-large", Priority: jobs.PriorityLow}, q.jobs[0])

	stored, err := vs.GetDocument(ctx, "d-large")
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
	assert.Equal(t, models.StatusProcessed, stored.Status)

	// chunks are searchable by keyword before any embedding exists
	results, err := vs.KeywordSearch(ctx, "c1", []string{"claimant"}, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestIngest_HybridGetsMediumPriority(t *testing.T) {
	q := &recordingQueue{}
	p := newPipeline(t, store.NewMemoryStore(), q, nil)

	res, err := p.Ingest(context.Background(), ingest.Request{CaseID: "c1", Title: "Report", Text: textOfLength(80_000)})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Document.ID)
	assert.Equal(t, models.StrategyHybrid, res.Document.Strategy)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, jobs.PriorityMedium, q.jobs[0].Priority)
}

func TestIngest_HTML(t *testing.T) {
	vs := store.NewMemoryStore()
	p := newPipeline(t, vs, nil, nil)

	page := `<html><head><title>Discharge letter</title></head><body>
<nav>Home</nav>
<main><h2>Diagnosis</h2><p>Fracture of the left wrist.</p><script>var x = 1;</script></main>
</body></html>`
	res, err := p.Ingest(context.Background(), ingest.Request{DocumentID: "d1", CaseID: "c1", Text: page, ContentType: "text/html; charset=utf-8"})
	require.NoError(t, err)
	assert.Equal(t, "Discharge letter", res.Document.Title)
	assert.Equal(t, "## Diagnosis\n\nFracture of the left wrist.", res.Document.Content)
}

func TestIngest_Rejections(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, store.NewMemoryStore(), nil, nil)

	_, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: " \n\t "})
	assert.True(t, errors.Is(err, ingest.ErrEmptyDocument))

	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", Text: "text"})
	assert.Error(t, err)

	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: "Some text."})
	require.NoError(t, err)
	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: "Other text."})
	assert.True(t, errors.Is(err, ingest.ErrDocumentExists))

	_, err = p.Retry(ctx, "d1")
	assert.True(t, errors.Is(err, ingest.ErrNotRetryable))
}

func TestIngest_FailureAndRetry(t *testing.T) {
	ctx := context.Background()
	vs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	q := &recordingQueue{}
	p := newPipeline(t, vs, q, nil)

	res, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, res.Document.Status)

	stored, err := vs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "chunk index corrupt")
	assert.Empty(t, q.jobs)

	res, err = p.Retry(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Document.Status)
	assert.Equal(t, models.StrategyHybrid, res.Document.Strategy)
	assert.Empty(t, res.Document.Error)
	assert.Len(t, q.jobs, 1)
}

func TestEmbedDocument(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	p := newPipeline(t, vs, &recordingQueue{}, nil)

	res, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
	require.NoError(t, err)
	total, embedded, err := vs.CountChunks(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, total)
	assert.Zero(t, embedded)

	require.NoError(t, p.EmbedDocument(ctx, "d1"))
	total, embedded, err = vs.CountChunks(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, total, embedded)

	doc, err := vs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, doc.Degraded)

	// idempotent, and a deleted document is not an error
	require.NoError(t, p.EmbedDocument(ctx, "d1"))
	require.NoError(t, p.EmbedDocument(ctx, "missing"))
}

func TestEmbedDocument_ThroughQueue(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	q := jobs.NewWithConfig(jobs.QueueConfig{Workers: 1, Backoff: time.Millisecond})
	p := newPipeline(t, vs, q, nil)
	p.Register(q)
	q.Start(ctx)
	defer q.Stop()

	_, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := vs.GetDocument(ctx, "d1")
		return err == nil && !doc.Degraded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDelete_InvalidatesCaches(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	p := newPipeline(t, vs, nil, m)

	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: "Short note about the case."})
	require.NoError(t, err)

	searchKey := cache.NewKey(cache.CaseScope("c1"), cache.CategorySearch, "q")
	m.Set(ctx, searchKey, []byte("[]"))

	require.NoError(t, p.Delete(ctx, "d1"))
	_, ok := m.Get(ctx, searchKey)
	assert.False(t, ok)
	assert.Zero(t, m.Stats().L1Entries)

	_, err = vs.GetDocument(ctx, "d1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(p.Delete(ctx, "d1"), types.ErrNotFound))
}

func TestIngest_ChunksAreMemoized(t *testing.T) {
	ctx := context.Background()
	vs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	p := newPipeline(t, vs, nil, m)

	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(5_000)})
	require.Error(t, err)
	writes := m.Stats().L1.Writes

	_, err = p.Retry(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, writes, m.Stats().L1.Writes)
	assert.Positive(t, m.Stats().L1.Hits)
}

func TestIngest_StoreUnavailableMarksFailed(t *testing.T) {
	ctx := context.Background()
	vs := &outageStore{MemoryStore: store.NewMemoryStore(), down: true}
	q := &recordingQueue{}
	p := newPipeline(t, vs, q, nil)

	res, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
	require.Error(t, err)
	assert.True(t, types.IsStoreUnavailable(err))
	assert.Equal(t, models.StatusFailed, res.Document.Status)

	stored, err := vs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "connection refused")

	vs.restore()
	res, err = p.Retry(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Document.Status)
	assert.True(t, res.EmbeddingQueued)
}

func TestRetry_StaleProcessingDocument(t *testing.T) {
	ctx := context.Background()
	vs := &outageStore{MemoryStore: store.NewMemoryStore(), down: true, updatesDown: true}
	now := time.Now()
	p, err := ingest.NewWithConfig(ingest.PipelineConfig{
		Store:      vs,
		Embedder:   constEmbedder{},
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)

	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: "A short note about the claimant."})
	require.Error(t, err)
	assert.True(t, types.IsStoreUnavailable(err))

	// neither outcome could be recorded
	stored, err := vs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)

	vs.restore()
	_, err = p.Retry(ctx, "d1")
	assert.True(t, errors.Is(err, ingest.ErrNotRetryable), "a fresh ingest may still be running")
	_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: "A short note about the claimant."})
	assert.True(t, errors.Is(err, ingest.ErrDocumentExists))

	now = now.Add(11 * time.Minute)
	res, err := p.Retry(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Document.Status)
	assert.Equal(t, models.StrategyDirect, res.Document.Strategy)
	assert.Equal(t, 1, res.Chunks)
}

func TestRetry_DegradedDocumentResumesEmbedding(t *testing.T) {
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		q := &recordingQueue{}
		p := newPipeline(t, store.NewMemoryStore(), q, nil)
		_, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
		require.NoError(t, err)

		res, err := p.Retry(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, res.EmbeddingQueued)
		assert.Equal(t, models.StatusProcessed, res.Document.Status)
		assert.Equal(t, models.StrategyHybrid, res.Classification.Strategy)
		require.Len(t, q.jobs, 2)
		assert.Equal(t, jobs.Job{Kind: ingest.JobEmbed, Key: "d1", Priority: jobs.PriorityMedium}, q.jobs[1])
	})

	t.Run("inline", func(t *testing.T) {
		vs := store.NewMemoryStore()
		p := newPipeline(t, vs, nil, nil)
		_, err := p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
		require.NoError(t, err)

		res, err := p.Retry(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, res.EmbeddingQueued)
		assert.False(t, res.Document.Degraded)
		total, embedded, err := vs.CountChunks(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, total, embedded)

		_, err = p.Retry(ctx, "d1")
		assert.True(t, errors.Is(err, ingest.ErrNotRetryable))
	})

	t.Run("no embedder", func(t *testing.T) {
		p, err := ingest.NewWithConfig(ingest.PipelineConfig{Store: store.NewMemoryStore()})
		require.NoError(t, err)
		_, err = p.Ingest(ctx, ingest.Request{DocumentID: "d1", CaseID: "c1", Text: textOfLength(60_000)})
		require.NoError(t, err)

		_, err = p.Retry(ctx, "d1")
		assert.True(t, errors.Is(err, ingest.ErrNotRetryable))
	})
}

func TestResumeEmbeddings(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	q := &recordingQueue{}
	p := newPipeline(t, vs, q, nil)

	for _, id := range []string{"d1", "d2"} {
		_, err := p.Ingest(ctx, ingest.Request{DocumentID: id, CaseID: "c-" + id, Text: textOfLength(60_000)})
		require.NoError(t, err)
	}
	_, err := p.Ingest(ctx, ingest.Request{DocumentID: "d3", CaseID: "c1", Text: "A short note."})
	require.NoError(t, err)
	require.NoError(t, p.EmbedDocument(ctx, "d2"))

	q.jobs = nil
	n, err := p.ResumeEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []jobs.Job{{Kind: ingest.JobEmbed, Key: "d1", Priority: jobs.PriorityMedium}}, q.jobs)

	_, err = newPipeline(t, vs, nil, nil).ResumeEmbeddings(ctx)
	assert.Error(t, err)
}

func TestRetry_UnknownStrategyFails(t *testing.T) {
	ctx := context.Background()
	vs := store.NewMemoryStore()
	p := newPipeline(t, vs, &recordingQueue{}, nil)

	require.NoError(t, vs.SaveDocument(ctx, models.Document{
		ID:       "d1",
		CaseID:   "c1",
		Content:  "Some stored text.",
		Strategy: models.Strategy("bogus"),
		Status:   models.StatusFailed,
	}))

	res, err := p.Retry(ctx, "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown strategy "bogus"`)
	assert.Equal(t, models.StatusFailed, res.Document.Status)

	total, _, err := vs.CountChunks(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, total)
}
