package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

// MemoryRepo stores reports in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]models.Report
}

var _ types.ReportRepository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]models.Report)}
}

func (r *MemoryRepo) CreateReport(ctx context.Context, report models.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[report.ID] = cloneReport(report)
	return nil
}

func (r *MemoryRepo) UpdateSection(ctx context.Context, reportID string, section models.ReportSection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	report, ok := r.byID[reportID]
	if !ok {
		return fmt.Errorf("report %s: %w", reportID, types.ErrNotFound)
	}
	s, ok := report.Section(section.ID)
	if !ok {
		return fmt.Errorf("report %s section %s: %w", reportID, section.ID, types.ErrNotFound)
	}
	*s = cloneSection(section)
	report.UpdatedAt = time.Now().UTC()
	r.byID[reportID] = report
	return nil
}

func (r *MemoryRepo) SetFatal(ctx context.Context, reportID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	report, ok := r.byID[reportID]
	if !ok {
		return fmt.Errorf("report %s: %w", reportID, types.ErrNotFound)
	}
	report.Fatal = reason
	report.UpdatedAt = time.Now().UTC()
	r.byID[reportID] = report
	return nil
}

func (r *MemoryRepo) GetReport(ctx context.Context, id string) (models.Report, error) {
	if err := ctx.Err(); err != nil {
		return models.Report{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.byID[id]
	if !ok {
		return models.Report{}, fmt.Errorf("report %s: %w", id, types.ErrNotFound)
	}
	return cloneReport(report), nil
}

func cloneReport(r models.Report) models.Report {
	sections := make([]models.ReportSection, len(r.Sections))
	for i, s := range r.Sections {
		sections[i] = cloneSection(s)
	}
	r.Sections = sections
	return r
}

func cloneSection(s models.ReportSection) models.ReportSection {
	s.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Quality != nil {
		q := *s.Quality
		s.Quality = &q
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
