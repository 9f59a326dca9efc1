package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Strategy is the ingestion path chosen for a document at classification time.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyHybrid  Strategy = "hybrid"
	StrategyFullRAG Strategy = "full_rag"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyHybrid, StrategyFullRAG:
		return true
	}
	return false
}

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

func (s DocumentStatus) rank() int {
	switch s {
	case StatusUploaded:
		return 0
	case StatusProcessing:
		return 1
	case StatusProcessed, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a document may move from one status to another.
// Status only moves forward, except failed -> processing which is a retry.
func CanTransition(from, to DocumentStatus) bool {
	if from == StatusFailed && to == StatusProcessing {
		return true
	}
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	if from == to {
		return from != StatusProcessed && from != StatusFailed
	}
	return to.rank() > from.rank()
}

type Document struct {
	ID         string
	CaseID     string
	Title      string
	Content    string
	Strategy   Strategy
	Confidence float64
	Status     DocumentStatus
	// Degraded is set while a processed hybrid/full_rag document has chunks without embeddings.
	Degraded  bool
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition moves the document to a new status, enforcing CanTransition.
func (d *Document) Transition(to DocumentStatus) error {
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("document %s: %s -> %s: %w", d.ID, d.Status, to, ErrInvalidTransition)
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Usable reports whether the document can contribute context to a report.
func (d Document) Usable() bool {
	return d.Status == StatusProcessed
}

// Inline reports whether the full text should be placed in prompts directly
// instead of (or in addition to) retrieved chunks.
func (d Document) Inline() bool {
	if !d.Usable() {
		return false
	}
	return d.Strategy == StrategyDirect || (d.Strategy == StrategyHybrid && d.Degraded)
}
