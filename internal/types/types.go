package types

import (
	"context"
	"time"

	"github.com/xhad/dossier/internal/models"
)

// Core interfaces

// VectorStore persists documents, chunks and embeddings and answers case-scoped queries.
type VectorStore interface {
	SaveDocument(ctx context.Context, doc models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocument(ctx context.Context, doc models.Document) error
	ListDocuments(ctx context.Context, caseID string) ([]models.Document, error)
	// DegradedDocuments lists processed documents, across cases, that still await embeddings.
	DegradedDocuments(ctx context.Context) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// InsertChunks replaces every chunk of the document in one transaction.
	InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	PendingChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	SetEmbeddings(ctx context.Context, embeddings map[string][]float32) error
	CountChunks(ctx context.Context, caseID string) (total int, embedded int, err error)

	SimilaritySearch(ctx context.Context, caseID string, vector []float32, threshold float64, limit int) ([]models.SearchResult, error)
	KeywordSearch(ctx context.Context, caseID string, terms []string, limit int) ([]models.SearchResult, error)

	Close()
}

type Embedder interface {
	Embed(ctx context.Context, text string) []float32
	EmbedBatch(ctx context.Context, texts []string) [][]float32
	Dimension() int
}

// EmbeddingProvider is the raw provider behind the embedding client.
type EmbeddingProvider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Generator is the LLM boundary. Implementations report failures as *GenerationError.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt, opts GenerateOptions) (string, error)
}

type Prompt struct {
	System string
	User   string
}

// SharedCache is the network key-value store behind the L2 cache tier.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

// ReportRepository persists report state for polling consumers.
type ReportRepository interface {
	CreateReport(ctx context.Context, report models.Report) error
	UpdateSection(ctx context.Context, reportID string, section models.ReportSection) error
	SetFatal(ctx context.Context, reportID string, reason string) error
	GetReport(ctx context.Context, id string) (models.Report, error)
}
