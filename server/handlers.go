package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/pkg/orchestrator"
)

// maxDocumentSize bounds the request body of a document upload.
const maxDocumentSize = 32 << 20

// ErrorBody defines the standardized error object.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func (s *Server) respondError(c *gin.Context, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "code", code, "message", message)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// respondStoreError maps errors shared by every endpoint.
func (s *Server) respondStoreError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.respondError(c, http.StatusNotFound, "not_found", what+" not found")
	case types.IsStoreUnavailable(err):
		s.respondError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		s.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) health(c *gin.Context) {
	checks := make(map[string]string, len(s.config.Health))
	status := http.StatusOK
	for name, p := range s.config.Health {
		if err := p.Ping(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

type ingestRequest struct {
	DocumentID  string `json:"documentId"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ContentType string `json:"contentType"`
}

func (s *Server) ingestDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentSize)

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.respondError(c, http.StatusBadRequest, "validation_error", "text is required")
		return
	}

	res, err := s.config.Ingest.Ingest(c.Request.Context(), ingest.Request{
		DocumentID:  strings.TrimSpace(req.DocumentID),
		CaseID:      c.Param("caseId"),
		Title:       strings.TrimSpace(req.Title),
		Text:        req.Text,
		ContentType: req.ContentType,
	})
	if err != nil {
		s.respondIngestError(c, res, err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentResponse(res))
}

func (s *Server) retryDocument(c *gin.Context) {
	res, err := s.config.Ingest.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondIngestError(c, res, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentResponse(res))
}

func (s *Server) respondIngestError(c *gin.Context, res ingest.Result, err error) {
	var chunkErr *types.ChunkingError
	switch {
	case errors.Is(err, ingest.ErrEmptyDocument):
		s.respondError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ingest.ErrDocumentExists), errors.Is(err, ingest.ErrNotRetryable):
		s.respondError(c, http.StatusConflict, "conflict", err.Error())
	case types.IsStoreUnavailable(err):
		s.respondStoreError(c, err, "document")
	case errors.As(err, &chunkErr), res.Document.Status == models.StatusFailed:
		s.respondError(c, http.StatusUnprocessableEntity, "document_failed", err.Error())
	default:
		s.respondStoreError(c, err, "document")
	}
}

type documentResponse struct {
	DocumentID      string                `json:"documentId"`
	CaseID          string                `json:"caseId"`
	Title           string                `json:"title"`
	Strategy        models.Strategy       `json:"strategy"`
	Confidence      float64               `json:"confidence"`
	Status          models.DocumentStatus `json:"status"`
	Degraded        bool                  `json:"degraded"`
	Chunks          int                   `json:"chunks"`
	EmbeddingQueued bool                  `json:"embeddingQueued"`
}

func toDocumentResponse(res ingest.Result) documentResponse {
	d := res.Document
	return documentResponse{
		DocumentID:      d.ID,
		CaseID:          d.CaseID,
		Title:           d.Title,
		Strategy:        d.Strategy,
		Confidence:      d.Confidence,
		Status:          d.Status,
		Degraded:        d.Degraded,
		Chunks:          res.Chunks,
		EmbeddingQueued: res.EmbeddingQueued,
	}
}

func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.config.Ingest.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, err, "document")
		return
	}
	c.Status(http.StatusNoContent)
}

type searchRequest struct {
	Query      string `json:"query"`
	MatchCount int    `json:"matchCount"`
}

type searchHit struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Header     string  `json:"header"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Method     string  `json:"method"`
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.respondError(c, http.StatusBadRequest, "validation_error", "query is required")
		return
	}
	if req.MatchCount < 0 || req.MatchCount > 100 {
		s.respondError(c, http.StatusBadRequest, "validation_error", "matchCount must be between 1 and 100")
		return
	}

	cfg := s.config.SearchConfig
	if req.MatchCount > 0 {
		cfg.MatchCount = req.MatchCount
	}
	results, err := s.config.Search.Search(c.Request.Context(), c.Param("caseId"), req.Query, cfg)
	if err != nil {
		var retrieval *types.RetrievalError
		if errors.As(err, &retrieval) {
			s.respondError(c, http.StatusBadGateway, "retrieval_failed", err.Error())
			return
		}
		s.respondStoreError(c, err, "case")
		return
	}

	hits := make([]searchHit, len(results))
	for i, r := range results {
		hits[i] = searchHit{
			ChunkID:    r.Chunk.ID,
			DocumentID: r.Chunk.DocumentID,
			Header:     r.Chunk.Header,
			Text:       r.Chunk.Text,
			Score:      r.Score,
			Method:     string(r.Method),
		}
	}
	c.JSON(http.StatusOK, gin.H{"query": req.Query, "results": hits})
}

type startReportRequest struct {
	Manifest string `json:"manifest"`
}

func (s *Server) startReport(c *gin.Context) {
	var req startReportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
	}
	m, ok := s.manifest(req.Manifest)
	if !ok {
		s.respondError(c, http.StatusBadRequest, "validation_error", "unknown manifest "+req.Manifest)
		return
	}

	id, err := s.config.Reports.StartReport(c.Request.Context(), c.Param("caseId"), m)
	if err != nil {
		s.respondStoreError(c, err, "case")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"reportId": id})
}

func (s *Server) reportStatus(c *gin.Context) {
	st, err := s.config.Reports.GetReportStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "report")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) reportContent(c *gin.Context) {
	report, err := s.config.Reports.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "report")
		return
	}
	content := orchestrator.Assemble(report)
	if strings.Contains(c.GetHeader("Accept"), "text/markdown") {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(content))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reportId": report.ID,
		"status":   report.Status(),
		"flagged":  report.Flagged(),
		"content":  content,
	})
}

func (s *Server) regenerateSection(c *gin.Context) {
	sec, err := s.config.Reports.RegenerateSection(c.Request.Context(), c.Param("id"), c.Param("sectionId"))
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrReportRunning),
			errors.Is(err, orchestrator.ErrSectionBusy),
			errors.Is(err, orchestrator.ErrDependenciesNotDone):
			s.respondError(c, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, orchestrator.ErrUnknownManifest):
			s.respondError(c, http.StatusUnprocessableEntity, "unknown_manifest", err.Error())
		default:
			s.respondStoreError(c, err, "section")
		}
		return
	}
	c.JSON(http.StatusOK, orchestrator.SectionState{
		ID:           sec.ID,
		Title:        sec.Title,
		Status:       sec.Status,
		QualityScore: sec.Quality,
		Reason:       sec.Reason,
		Flagged:      sec.Flagged,
	})
}

func (s *Server) cacheStats(c *gin.Context) {
	out := gin.H{}
	if s.config.Cache != nil {
		out["cache"] = s.config.Cache.Stats()
	}
	if s.config.Jobs != nil {
		out["jobs"] = s.config.Jobs.Stats()
	}
	c.JSON(http.StatusOK, out)
}
