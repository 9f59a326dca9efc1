package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

// PGRepo implements types.ReportRepository using Postgres.
type PGRepo struct {
	DB *sql.DB
}

var _ types.ReportRepository = (*PGRepo)(nil)

// CreateReport inserts the report and all of its sections in one transaction.
func (r *PGRepo) CreateReport(ctx context.Context, report models.Report) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertReport = `
INSERT INTO reports (id, case_id, manifest, fatal, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, insertReport,
		report.ID, report.CaseID, report.ManifestName, report.Fatal, report.CreatedAt, report.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	const insertSection = `
INSERT INTO report_sections (
	report_id, id, position, title, phase, depends_on, required, status, content,
	quality, flagged, reason, attempts, started_at, finished_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	for i, s := range report.Sections {
		deps, err := json.Marshal(nonNil(s.DependsOn))
		if err != nil {
			return fmt.Errorf("failed to encode dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertSection,
			report.ID, s.ID, i, s.Title, s.Phase, deps, s.Required, string(s.Status), s.Content,
			nullFloat(s.Quality), s.Flagged, s.Reason, s.Attempts, nullTime(s.StartedAt), nullTime(s.FinishedAt),
		); err != nil {
			return fmt.Errorf("failed to insert section %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

func (r *PGRepo) UpdateSection(ctx context.Context, reportID string, s models.ReportSection) error {
	const query = `
UPDATE report_sections
SET status = $3, content = $4, quality = $5, flagged = $6, reason = $7, attempts = $8,
    started_at = $9, finished_at = $10
WHERE report_id = $1 AND id = $2`
	res, err := r.DB.ExecContext(ctx, query,
		reportID, s.ID, string(s.Status), s.Content, nullFloat(s.Quality), s.Flagged, s.Reason, s.Attempts,
		nullTime(s.StartedAt), nullTime(s.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update section %s: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("report %s section %s: %w", reportID, s.ID, types.ErrNotFound)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE reports SET updated_at = $2 WHERE id = $1`, reportID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to touch report: %w", err)
	}
	return nil
}

func (r *PGRepo) SetFatal(ctx context.Context, reportID string, reason string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE reports SET fatal = $2, updated_at = $3 WHERE id = $1`,
		reportID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark report failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("report %s: %w", reportID, types.ErrNotFound)
	}
	return nil
}

func (r *PGRepo) GetReport(ctx context.Context, id string) (models.Report, error) {
	const reportQuery = `
SELECT id, case_id, manifest, fatal, created_at, updated_at
FROM reports
WHERE id = $1`
	var report models.Report
	err := r.DB.QueryRowContext(ctx, reportQuery, id).Scan(
		&report.ID, &report.CaseID, &report.ManifestName, &report.Fatal, &report.CreatedAt, &report.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, fmt.Errorf("report %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to load report: %w", err)
	}

	const sectionQuery = `
SELECT id, title, phase, depends_on, required, status, content, quality, flagged, reason, attempts,
       started_at, finished_at
FROM report_sections
WHERE report_id = $1
ORDER BY position`
	rows, err := r.DB.QueryContext(ctx, sectionQuery, id)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to load sections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s          models.ReportSection
			deps       []byte
			status     string
			quality    sql.NullFloat64
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Title, &s.Phase, &deps, &s.Required, &status, &s.Content,
			&quality, &s.Flagged, &s.Reason, &s.Attempts, &startedAt, &finishedAt); err != nil {
			return models.Report{}, fmt.Errorf("failed to scan section: %w", err)
		}
		if len(deps) > 0 {
			if err := json.Unmarshal(deps, &s.DependsOn); err != nil {
				return models.Report{}, fmt.Errorf("failed to decode dependencies: %w", err)
			}
		}
		s.Status = models.SectionStatus(status)
		if quality.Valid {
			v := quality.Float64
			s.Quality = &v
		}
		if startedAt.Valid {
			t := startedAt.Time
			s.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			s.FinishedAt = &t
		}
		report.Sections = append(report.Sections, s)
	}
	if err := rows.Err(); err != nil {
		return models.Report{}, fmt.Errorf("failed to load sections: %w", err)
	}
	return report, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
