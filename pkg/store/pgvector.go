package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

type VectorStoreConfig struct {
	ConnString string
	VectorDim  int
	MaxConns   int32
	// SkipMigrations leaves schema management to the migrate command.
	SkipMigrations bool
}

// PGVectorStore keeps documents and chunks in Postgres and answers similarity queries with pgvector.
type PGVectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

var _ types.VectorStore = (*PGVectorStore)(nil)

const chunkColumns = `id, document_id, case_id, chunk_index, start_offset, end_offset, text, header, meta`

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*PGVectorStore, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 768 // Default for nomic-embed-text
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w: %w", types.ErrStoreUnavailable, err)
	}

	vs := &PGVectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PGVectorStore) initialize(ctx context.Context) error {
	if err := vs.pool.Ping(ctx); err != nil {
		return wrapErr("ping database", err)
	}

	if !vs.config.SkipMigrations {
		db := stdlib.OpenDBFromPool(vs.pool)
		err := RunMigrations(ctx, db)
		db.Close()
		if err != nil {
			return err
		}
	}

	// Create vector index on the configured dimension
	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_%d_idx
		ON chunks
		USING hnsw ((embedding::vector(%d)) vector_cosine_ops)`,
		vs.config.VectorDim, vs.config.VectorDim)

	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

func (vs *PGVectorStore) SaveDocument(ctx context.Context, doc models.Document) error {
	_, err := vs.pool.Exec(ctx, `
		INSERT INTO documents (id, case_id, title, content, strategy, confidence, status, degraded, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			degraded = EXCLUDED.degraded,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.CaseID, sanitizeUTF8(doc.Title), sanitizeUTF8(doc.Content), string(doc.Strategy),
		doc.Confidence, string(doc.Status), doc.Degraded, doc.Error, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return wrapErr("save document", err)
	}
	return nil
}

func (vs *PGVectorStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := vs.pool.QueryRow(ctx, `
		SELECT id, case_id, title, content, strategy, confidence, status, degraded, error, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return models.Document{}, wrapErr("get document", err)
	}
	return doc, nil
}

// UpdateDocument persists lifecycle fields. Strategy is immutable and never rewritten.
func (vs *PGVectorStore) UpdateDocument(ctx context.Context, doc models.Document) error {
	tag, err := vs.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, degraded = $3, error = $4, confidence = $5, updated_at = $6
		WHERE id = $1`,
		doc.ID, string(doc.Status), doc.Degraded, doc.Error, doc.Confidence, doc.UpdatedAt,
	)
	if err != nil {
		return wrapErr("update document", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, types.ErrNotFound)
	}
	return nil
}

func (vs *PGVectorStore) ListDocuments(ctx context.Context, caseID string) ([]models.Document, error) {
	return vs.queryDocuments(ctx, "list documents", `
		SELECT id, case_id, title, content, strategy, confidence, status, degraded, error, created_at, updated_at
		FROM documents WHERE case_id = $1
		ORDER BY created_at, id`, caseID)
}

// DegradedDocuments returns processed documents of every case that still have chunks
// without embeddings, oldest first.
func (vs *PGVectorStore) DegradedDocuments(ctx context.Context) ([]models.Document, error) {
	return vs.queryDocuments(ctx, "list degraded documents", `
		SELECT id, case_id, title, content, strategy, confidence, status, degraded, error, created_at, updated_at
		FROM documents WHERE status = 'processed' AND degraded
		ORDER BY created_at, id`)
}

func (vs *PGVectorStore) queryDocuments(ctx context.Context, op, query string, args ...any) ([]models.Document, error) {
	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return docs, nil
}

// DeleteDocument removes the document; its chunks go with it through ON DELETE CASCADE.
func (vs *PGVectorStore) DeleteDocument(ctx context.Context, id string) error {
	tag, err := vs.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (vs *PGVectorStore) InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return wrapErr("replace chunks", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, documentID)
		}
		meta, err := json.Marshal(c.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode chunk meta: %w", err)
		}
		var embedding *pgvector.Vector
		if c.HasEmbedding() {
			v := pgvector.NewVector(c.Embedding)
			embedding = &v
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, case_id, chunk_index, start_offset, end_offset, text, header, meta, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, c.DocumentID, c.CaseID, c.Index, c.Start, c.End,
			sanitizeUTF8(c.Text), sanitizeUTF8(c.Header), meta, embedding,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrapErr("insert chunks", err)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit chunks", err)
	}
	return nil
}

func (vs *PGVectorStore) PendingChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := vs.pool.Query(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks WHERE document_id = $1 AND embedding IS NULL
		ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, wrapErr("query pending chunks", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, _, err := scanChunk(rows, false)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query pending chunks", err)
	}
	return chunks, nil
}

func (vs *PGVectorStore) SetEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, vec := range embeddings {
		if len(vec) != vs.config.VectorDim {
			return fmt.Errorf("embedding for %s has dimension %d, want %d", id, len(vec), vs.config.VectorDim)
		}
		batch.Queue(`UPDATE chunks SET embedding = $2 WHERE id = $1`, id, pgvector.NewVector(vec))
	}
	if err := vs.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrapErr("set embeddings", err)
	}
	return nil
}

func (vs *PGVectorStore) CountChunks(ctx context.Context, caseID string) (int, int, error) {
	var total, embedded int
	err := vs.pool.QueryRow(ctx, `
		SELECT count(*), count(embedding) FROM chunks WHERE case_id = $1`, caseID).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, wrapErr("count chunks", err)
	}
	return total, embedded, nil
}

// SimilaritySearch returns chunks of the case whose cosine similarity to vector exceeds threshold.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, caseID string, vector []float32, threshold float64, limit int) ([]models.SearchResult, error) {
	if len(vector) != vs.config.VectorDim {
		return nil, fmt.Errorf("query vector has dimension %d, want %d", len(vector), vs.config.VectorDim)
	}
	distance := fmt.Sprintf("(embedding::vector(%d)) <=> $2", vs.config.VectorDim)

	// Query similar chunks
	query := fmt.Sprintf(`
		SELECT %s, 1 - (%s) AS similarity
		FROM chunks
		WHERE case_id = $1 AND embedding IS NOT NULL AND 1 - (%s) > $3
		ORDER BY %s, id
		LIMIT $4`,
		chunkColumns, distance, distance, distance)

	rows, err := vs.pool.Query(ctx, query, caseID, pgvector.NewVector(vector), threshold, limit)
	if err != nil {
		return nil, wrapErr("query similar chunks", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		c, score, err := scanChunk(rows, true)
		if err != nil {
			return nil, err
		}
		results = append(results, models.SearchResult{Chunk: c, Score: clamp01(score), Method: models.MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query similar chunks", err)
	}
	return results, nil
}

// KeywordSearch matches terms case-insensitively as substrings; the score is the fraction of terms found.
func (vs *PGVectorStore) KeywordSearch(ctx context.Context, caseID string, terms []string, limit int) ([]models.SearchResult, error) {
	patterns := likePatterns(terms)
	if len(patterns) == 0 {
		return nil, nil
	}

	rows, err := vs.pool.Query(ctx, `
		SELECT `+chunkColumns+`, score FROM (
			SELECT c.*, (
				SELECT count(*) FROM unnest($2::text[]) AS p
				WHERE c.header || ' ' || c.text ILIKE p
			)::float8 / $3 AS score
			FROM chunks c
			WHERE c.case_id = $1
		) matched
		WHERE score > 0
		ORDER BY score DESC, id
		LIMIT $4`,
		caseID, patterns, float64(len(patterns)), limit)
	if err != nil {
		return nil, wrapErr("keyword search", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		c, score, err := scanChunk(rows, true)
		if err != nil {
			return nil, err
		}
		results = append(results, models.SearchResult{Chunk: c, Score: clamp01(score), Method: models.MatchKeyword})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("keyword search", err)
	}
	return results, nil
}

func (vs *PGVectorStore) Ping(ctx context.Context) error {
	if err := vs.pool.Ping(ctx); err != nil {
		return wrapErr("ping database", err)
	}
	return nil
}

func (vs *PGVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		doc      models.Document
		strategy string
		status   string
	)
	err := row.Scan(&doc.ID, &doc.CaseID, &doc.Title, &doc.Content, &strategy, &doc.Confidence,
		&status, &doc.Degraded, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return models.Document{}, err
	}
	doc.Strategy = models.Strategy(strategy)
	doc.Status = models.DocumentStatus(status)
	return doc, nil
}

func scanChunk(rows pgx.Rows, withScore bool) (models.Chunk, float64, error) {
	var (
		c     models.Chunk
		meta  []byte
		score float64
	)
	dest := []any{&c.ID, &c.DocumentID, &c.CaseID, &c.Index, &c.Start, &c.End, &c.Text, &c.Header, &meta}
	if withScore {
		dest = append(dest, &score)
	}
	if err := rows.Scan(dest...); err != nil {
		return models.Chunk{}, 0, fmt.Errorf("failed to scan row: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Meta); err != nil {
			return models.Chunk{}, 0, fmt.Errorf("failed to decode chunk meta: %w", err)
		}
	}
	return c, score, nil
}

// wrapErr maps pgx errors onto the store's sentinels. Anything that is not a server-side
// error or a missing row is treated as a connectivity failure.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("failed to %s: %w", op, types.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("failed to %s: %w", op, err)
	case errors.As(err, &pgErr):
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, types.ErrStoreUnavailable, err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePatterns(terms []string) []string {
	patterns := normalizeTerms(terms)
	for i, t := range patterns {
		patterns[i] = "%" + likeEscaper.Replace(t) + "%"
	}
	return patterns
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}
