package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks connectivity failures that prevent any progress.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ClassificationError is recovered by defaulting the document to the hybrid strategy.
type ClassificationError struct {
	DocumentID string
	Err        error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify document %s: %v", e.DocumentID, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ChunkingError is fatal for the document: it is marked failed and no chunks are kept.
type ChunkingError struct {
	DocumentID string
	Err        error
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunk document %s: %v", e.DocumentID, e.Err)
}

func (e *ChunkingError) Unwrap() error { return e.Err }

// EmbeddingProviderError is recovered with a deterministic fallback embedding.
type EmbeddingProviderError struct {
	Err error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("embedding provider: %v", e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }

// RetrievalError is recovered by falling back to keyword-only search.
type RetrievalError struct {
	CaseID string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval for case %s: %v", e.CaseID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError is section-scoped: the section fails and its dependents are skipped.
type GenerationError struct {
	Err       error
	Timeout   bool
	Retryable bool
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation timeout: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// QualityScoringError leaves the section in place with an unknown quality score.
type QualityScoringError struct {
	SectionID string
	Err       error
}

func (e *QualityScoringError) Error() string {
	return fmt.Sprintf("score section %s: %v", e.SectionID, e.Err)
}

func (e *QualityScoringError) Unwrap() error { return e.Err }

// IsStoreUnavailable reports whether err should escalate to a pipeline-level failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
