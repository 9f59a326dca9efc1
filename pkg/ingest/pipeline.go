package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/chunker"
	"github.com/xhad/dossier/pkg/classifier"
	"github.com/xhad/dossier/pkg/jobs"
)

// JobEmbed is the job kind of the background embedding job. Its key is the document id.
const JobEmbed = "embed_document"

var (
	ErrDocumentExists = errors.New("document already exists")
	ErrNotRetryable   = errors.New("document cannot be retried")
	ErrEmptyDocument  = errors.New("document has no text")
)

// Enqueuer schedules background jobs; *jobs.Queue implements it.
type Enqueuer interface {
	Enqueue(j jobs.Job) error
}

type PipelineConfig struct {
	Store      types.VectorStore
	Classifier *classifier.Classifier
	Chunker    *chunker.Chunker
	// Embedder is used by the embedding job. Without it documents stay degraded.
	Embedder types.Embedder
	// Queue receives embedding jobs. Without it no background embedding happens.
	Queue          Enqueuer
	Cache          *cache.Manager
	EmbedBatchSize int
	// StaleAfter is how long a document may sit in processing before Retry treats it as
	// abandoned by an interrupted ingest.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

// Pipeline is the ingestion boundary: normalize, classify, chunk, persist, then embed in the
// background.
type Pipeline struct {
	config PipelineConfig
	logger *slog.Logger
}

type Request struct {
	DocumentID  string `json:"documentId"`
	CaseID      string `json:"caseId"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ContentType string `json:"contentType"`
	// Source is informational, e.g. the URL a document was fetched from.
	Source string `json:"source,omitempty"`
}

type Result struct {
	Document        models.Document   `json:"document"`
	Classification  classifier.Result `json:"classification"`
	Chunks          int               `json:"chunks"`
	EmbeddingQueued bool              `json:"embeddingQueued"`
}

func NewWithConfig(config PipelineConfig) (*Pipeline, error) {
	if config.Store == nil {
		return nil, errors.New("ingest pipeline requires a store")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = classifier.NewWithConfig(classifier.ClassifierConfig{Logger: config.Logger})
	}
	if config.Chunker == nil {
		c, err := chunker.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create chunker: %w", err)
		}
		config.Chunker = c
	}
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 32
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	return &Pipeline{config: config, logger: config.Logger}, nil
}

// Register installs the embedding job handler on q.
func (p *Pipeline) Register(q *jobs.Queue) {
	q.Handle(JobEmbed, p.EmbedDocument)
}

// Ingest stores a new document and returns once its chunks are persisted. Embeddings are
// produced by a background job; until then the document is processed but degraded and its
// chunks are reachable by keyword search only.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.CaseID == "" {
		return Result{}, errors.New("case id is required")
	}
	text, title := req.Text, req.Title
	if IsHTML(req.ContentType) {
		pageTitle, extracted, err := ExtractHTML(strings.NewReader(req.Text))
		if err != nil {
			return Result{}, err
		}
		text = extracted
		if title == "" {
			title = pageTitle
		}
	}
	text = normalizeText(text)
	if text == "" {
		return Result{}, ErrEmptyDocument
	}

	if req.DocumentID == "" {
		req.DocumentID = p.config.NewID()
	}
	if title == "" {
		title = req.DocumentID
	}

	existing, err := p.config.Store.GetDocument(ctx, req.DocumentID)
	switch {
	case err == nil:
		return Result{Document: existing}, fmt.Errorf("%w: %s", ErrDocumentExists, req.DocumentID)
	case !errors.Is(err, types.ErrNotFound):
		return Result{}, fmt.Errorf("failed to look up document: %w", err)
	}

	now := p.config.Now().UTC()
	doc := models.Document{
		ID:        req.DocumentID,
		CaseID:    req.CaseID,
		Title:     title,
		Content:   text,
		Status:    models.StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}

	class := p.config.Classifier.ClassifyOrDefault(doc)
	doc.Strategy = class.Strategy
	doc.Confidence = class.Confidence
	if err := doc.Transition(models.StatusProcessing); err != nil {
		return Result{}, err
	}
	if err := p.config.Store.SaveDocument(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("failed to save document: %w", err)
	}

	p.logger.Info("document classified",
		"document_id", doc.ID, "case_id", doc.CaseID, "strategy", class.Strategy,
		"confidence", class.Confidence, "length", class.Length, "source", req.Source)

	res, err := p.process(ctx, doc)
	res.Classification = class
	return res, err
}

// Retry re-runs a failed document from its stored content. Its strategy is kept. A document
// that has been processing for longer than StaleAfter is retried the same way. For a processed
// document that is still degraded, Retry resumes embedding instead.
func (p *Pipeline) Retry(ctx context.Context, docID string) (Result, error) {
	doc, err := p.config.Store.GetDocument(ctx, docID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load document: %w", err)
	}
	class := classifier.Result{Strategy: doc.Strategy, Confidence: doc.Confidence, Length: utf8.RuneCountInString(doc.Content)}

	switch {
	case doc.Status == models.StatusFailed:
	case doc.Status == models.StatusProcessing && p.stale(doc):
		p.logger.Warn("retrying stale document", "document_id", doc.ID, "updated_at", doc.UpdatedAt)
	case doc.Status == models.StatusProcessed && doc.Degraded:
		res, err := p.resumeEmbedding(ctx, doc)
		res.Classification = class
		return res, err
	default:
		return Result{Document: doc}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, docID, doc.Status)
	}

	if err := doc.Transition(models.StatusProcessing); err != nil {
		return Result{}, err
	}
	doc.Error = ""
	if err := p.config.Store.UpdateDocument(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("failed to update document: %w", err)
	}
	p.logger.Info("retrying document", "document_id", doc.ID, "strategy", doc.Strategy)

	res, err := p.process(ctx, doc)
	res.Classification = class
	return res, err
}

func (p *Pipeline) stale(doc models.Document) bool {
	return p.config.Now().Sub(doc.UpdatedAt) > p.config.StaleAfter
}

// process chunks a document that is in the processing state and leaves it processed or failed.
// When the store cannot record either outcome the document stays processing until it is stale.
func (p *Pipeline) process(ctx context.Context, doc models.Document) (Result, error) {
	var embed bool
	switch doc.Strategy {
	case models.StrategyDirect:
	case models.StrategyHybrid, models.StrategyFullRAG:
		embed = true
	default:
		return p.fail(ctx, doc, fmt.Errorf("unknown strategy %q", doc.Strategy))
	}

	chunks, err := p.chunk(ctx, doc)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	if err := p.config.Store.InsertChunks(ctx, doc.ID, chunks); err != nil {
		return p.fail(ctx, doc, fmt.Errorf("failed to insert chunks: %w", err))
	}

	processing := doc
	doc.Degraded = embed && len(chunks) > 0
	if err := doc.Transition(models.StatusProcessed); err != nil {
		return Result{}, err
	}
	if err := p.config.Store.UpdateDocument(ctx, doc); err != nil {
		return p.fail(ctx, processing, fmt.Errorf("failed to update document: %w", err))
	}

	res := Result{Document: doc, Chunks: len(chunks)}
	if doc.Degraded {
		res.EmbeddingQueued = p.enqueueEmbedding(doc)
	}
	p.invalidate(ctx, doc)

	p.logger.Info("document processed",
		"document_id", doc.ID, "chunks", len(chunks), "degraded", doc.Degraded, "embedding_queued", res.EmbeddingQueued)
	return res, nil
}

// chunk memoizes chunker output per document and content.
func (p *Pipeline) chunk(ctx context.Context, doc models.Document) ([]models.Chunk, error) {
	compute := func(context.Context) ([]models.Chunk, error) {
		return p.config.Chunker.Chunk(doc)
	}
	if p.config.Cache == nil {
		return compute(ctx)
	}
	o := p.config.Chunker.Options()
	key := cache.NewKey(cache.DocumentScope(doc.ID), cache.CategoryChunks,
		doc.CaseID, doc.Title, doc.Content,
		fmt.Sprintf("%d/%d/%d/%d", o.MaxSize, o.Overlap, o.BoundaryWindow, o.MinSize))
	return cache.Fetch(ctx, p.config.Cache, key, compute)
}

func (p *Pipeline) fail(ctx context.Context, doc models.Document, cause error) (Result, error) {
	p.logger.Error("document failed", "document_id", doc.ID, "error", cause)
	doc.Error = cause.Error()
	doc.Degraded = false
	if err := doc.Transition(models.StatusFailed); err != nil {
		return Result{}, err
	}
	if err := p.config.Store.UpdateDocument(ctx, doc); err != nil {
		return Result{Document: doc}, errors.Join(cause, fmt.Errorf("failed to mark document failed: %w", err))
	}
	p.invalidate(ctx, doc)
	return Result{Document: doc}, cause
}

func (p *Pipeline) enqueueEmbedding(doc models.Document) bool {
	if p.config.Queue == nil {
		return false
	}
	var priority jobs.Priority
	switch doc.Strategy {
	case models.StrategyHybrid:
		priority = jobs.PriorityMedium
	case models.StrategyFullRAG:
		priority = jobs.PriorityLow
	default:
		return false
	}
	if err := p.config.Queue.Enqueue(jobs.Job{Kind: JobEmbed, Key: doc.ID, Priority: priority}); err != nil {
		p.logger.Warn("failed to enqueue embedding job", "document_id", doc.ID, "error", err)
		return false
	}
	return true
}

// resumeEmbedding queues the embedding job of a degraded document, or runs it inline when
// there is no queue.
func (p *Pipeline) resumeEmbedding(ctx context.Context, doc models.Document) (Result, error) {
	res := Result{Document: doc}
	if p.enqueueEmbedding(doc) {
		res.EmbeddingQueued = true
		p.logger.Info("embedding resumed", "document_id", doc.ID)
		return res, nil
	}
	if p.config.Embedder == nil {
		return res, fmt.Errorf("%w: %s is degraded and no embedder is configured", ErrNotRetryable, doc.ID)
	}
	if err := p.EmbedDocument(ctx, doc.ID); err != nil {
		return res, err
	}
	doc, err := p.config.Store.GetDocument(ctx, doc.ID)
	if err != nil {
		return res, fmt.Errorf("failed to load document: %w", err)
	}
	res.Document = doc
	return res, nil
}

// ResumeEmbeddings queues the embedding job of every processed document that is still
// degraded, e.g. after a restart dropped the in-memory queue. It returns the number queued.
func (p *Pipeline) ResumeEmbeddings(ctx context.Context) (int, error) {
	if p.config.Queue == nil {
		return 0, errors.New("no job queue configured")
	}
	docs, err := p.config.Store.DegradedDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list degraded documents: %w", err)
	}
	queued := 0
	for _, doc := range docs {
		if p.enqueueEmbedding(doc) {
			queued++
		}
	}
	if queued > 0 {
		p.logger.Info("embedding jobs resumed", "documents", queued)
	}
	return queued, nil
}

// EmbedDocument embeds the chunks of a document that still lack a vector and clears the
// degraded flag. Running it again only embeds what is left.
func (p *Pipeline) EmbedDocument(ctx context.Context, docID string) error {
	if p.config.Embedder == nil {
		return errors.New("no embedder configured")
	}
	doc, err := p.config.Store.GetDocument(ctx, docID)
	if errors.Is(err, types.ErrNotFound) {
		p.logger.Debug("document deleted before embedding", "document_id", docID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Status != models.StatusProcessed {
		p.logger.Debug("skipping embedding", "document_id", docID, "status", doc.Status)
		return nil
	}

	pending, err := p.config.Store.PendingChunks(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load pending chunks: %w", err)
	}

	start := time.Now()
	embedded := 0
	for lo := 0; lo < len(pending); lo += p.config.EmbedBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(lo+p.config.EmbedBatchSize, len(pending))
		batch := pending[lo:hi]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content()
		}
		vectors := p.config.Embedder.EmbedBatch(ctx, texts)

		update := make(map[string][]float32, len(batch))
		for i, c := range batch {
			if i < len(vectors) && len(vectors[i]) > 0 {
				update[c.ID] = vectors[i]
			}
		}
		if err := p.config.Store.SetEmbeddings(ctx, update); err != nil {
			return fmt.Errorf("failed to store embeddings: %w", err)
		}
		embedded += len(update)
	}
	if embedded < len(pending) {
		return fmt.Errorf("embedded %d of %d chunks of document %s", embedded, len(pending), docID)
	}

	doc.Degraded = false
	doc.UpdatedAt = p.config.Now().UTC()
	if err := p.config.Store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	p.invalidate(ctx, doc)

	p.logger.Info("document embedded", "document_id", docID, "chunks", embedded, "duration", time.Since(start))
	return nil
}

// Delete removes a document with its chunks and drops every cache entry derived from it.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	doc, err := p.config.Store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if err := p.config.Store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if p.config.Cache != nil {
		if _, err := p.config.Cache.InvalidateDocument(ctx, docID); err != nil {
			p.logger.Warn("failed to invalidate document cache", "document_id", docID, "error", err)
		}
	}
	p.invalidate(ctx, doc)
	p.logger.Info("document deleted", "document_id", docID, "case_id", doc.CaseID)
	return nil
}

// invalidate drops the case scope, which holds search results and completions built from the
// case's documents. The document scope is only dropped on delete: its chunk entries are keyed
// by content and stay valid for a retry.
func (p *Pipeline) invalidate(ctx context.Context, doc models.Document) {
	if p.config.Cache == nil {
		return
	}
	if _, err := p.config.Cache.InvalidateCase(ctx, doc.CaseID); err != nil {
		p.logger.Warn("failed to invalidate case cache", "case_id", doc.CaseID, "error", err)
	}
}
