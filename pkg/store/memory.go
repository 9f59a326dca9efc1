package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

// MemoryStore is an in-process vector store with brute-force cosine search.
// It is used for tests, the CLI's offline mode and small deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]models.Document
	chunks map[string][]models.Chunk // by document id, in index order
}

var _ types.VectorStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]models.Document),
		chunks: make(map[string][]models.Chunk),
	}
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.docs[doc.ID]; ok && old.Strategy != "" {
		doc.Strategy = old.Strategy
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return doc, nil
}

func (m *MemoryStore) UpdateDocument(_ context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.docs[doc.ID]
	if !ok {
		return fmt.Errorf("document %s: %w", doc.ID, types.ErrNotFound)
	}
	old.Status = doc.Status
	old.Degraded = doc.Degraded
	old.Error = doc.Error
	old.Confidence = doc.Confidence
	old.UpdatedAt = doc.UpdatedAt
	m.docs[doc.ID] = old
	return nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, caseID string) ([]models.Document, error) {
	return m.documents(func(d models.Document) bool { return d.CaseID == caseID }), nil
}

func (m *MemoryStore) DegradedDocuments(_ context.Context) ([]models.Document, error) {
	return m.documents(func(d models.Document) bool {
		return d.Status == models.StatusProcessed && d.Degraded
	}), nil
}

func (m *MemoryStore) documents(match func(models.Document) bool) []models.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Document
	for _, d := range m.docs {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	delete(m.docs, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) InsertChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	copied := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, documentID)
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		copied[i] = c
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].Index < copied[j].Index })

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, types.ErrNotFound)
	}
	m.chunks[documentID] = copied
	return nil
}

func (m *MemoryStore) PendingChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, c := range m.chunks[documentID] {
		if !c.HasEmbedding() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetEmbeddings(_ context.Context, embeddings map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, chunks := range m.chunks {
		for i := range chunks {
			if v, ok := embeddings[chunks[i].ID]; ok {
				chunks[i].Embedding = append([]float32(nil), v...)
			}
		}
		m.chunks[docID] = chunks
	}
	return nil
}

func (m *MemoryStore) CountChunks(_ context.Context, caseID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, embedded := 0, 0
	m.eachCaseChunk(caseID, func(c models.Chunk) {
		total++
		if c.HasEmbedding() {
			embedded++
		}
	})
	return total, embedded, nil
}

func (m *MemoryStore) SimilaritySearch(_ context.Context, caseID string, vector []float32, threshold float64, limit int) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []models.SearchResult
	m.eachCaseChunk(caseID, func(c models.Chunk) {
		if len(c.Embedding) != len(vector) {
			return
		}
		sim := clamp01(cosine(vector, c.Embedding))
		if sim > threshold {
			c.Embedding = nil
			results = append(results, models.SearchResult{Chunk: c, Score: sim, Method: models.MatchVector})
		}
	})
	return rank(results, limit), nil
}

func (m *MemoryStore) KeywordSearch(_ context.Context, caseID string, terms []string, limit int) ([]models.SearchResult, error) {
	patterns := normalizeTerms(terms)
	if len(patterns) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []models.SearchResult
	m.eachCaseChunk(caseID, func(c models.Chunk) {
		haystack := strings.ToLower(c.Header + " " + c.Text)
		matched := 0
		for _, t := range patterns {
			if strings.Contains(haystack, t) {
				matched++
			}
		}
		if matched > 0 {
			c.Embedding = nil
			score := float64(matched) / float64(len(patterns))
			results = append(results, models.SearchResult{Chunk: c, Score: score, Method: models.MatchKeyword})
		}
	})
	return rank(results, limit), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// eachCaseChunk must be called with the lock held.
func (m *MemoryStore) eachCaseChunk(caseID string, fn func(models.Chunk)) {
	for docID, chunks := range m.chunks {
		if d, ok := m.docs[docID]; !ok || d.CaseID != caseID {
			continue
		}
		for _, c := range chunks {
			fn(c)
		}
	}
}

func rank(results []models.SearchResult, limit int) []models.SearchResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
