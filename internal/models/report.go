package models

import "time"

// SectionStatus is the state of one report section.
type SectionStatus string

const (
	SectionPending SectionStatus = "pending"
	SectionRunning SectionStatus = "running"
	SectionDone    SectionStatus = "done"
	SectionFailed  SectionStatus = "failed"
	SectionSkipped SectionStatus = "skipped"
)

// Terminal reports whether no further transition is expected for the section.
func (s SectionStatus) Terminal() bool {
	return s == SectionDone || s == SectionFailed || s == SectionSkipped
}

// ReportStatus is derived from the section statuses.
type ReportStatus string

const (
	ReportPending ReportStatus = "pending"
	ReportRunning ReportStatus = "running"
	ReportDone    ReportStatus = "done"
	ReportPartial ReportStatus = "partial"
	ReportFailed  ReportStatus = "failed"
)

type ReportSection struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Phase     int           `json:"phase"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Required  bool          `json:"required"`
	Status    SectionStatus `json:"status"`
	Content   string        `json:"content,omitempty"`
	// Quality is nil when scoring failed or has not run.
	Quality    *float64   `json:"quality_score"`
	Flagged    bool       `json:"flagged"`
	Reason     string     `json:"reason,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Report struct {
	ID           string          `json:"id"`
	CaseID       string          `json:"case_id"`
	ManifestName string          `json:"manifest"`
	Sections     []ReportSection `json:"sections"`
	Fatal        string          `json:"fatal,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Status derives the overall report status from its sections.
func (r Report) Status() ReportStatus {
	if r.Fatal != "" {
		return ReportFailed
	}
	if len(r.Sections) == 0 {
		return ReportDone
	}
	started, terminal, requiredMissing := false, true, false
	for _, s := range r.Sections {
		if s.Status != SectionPending {
			started = true
		}
		if !s.Status.Terminal() {
			terminal = false
		}
		if s.Required && s.Status != SectionDone {
			requiredMissing = true
		}
	}
	switch {
	case !started:
		return ReportPending
	case !terminal:
		return ReportRunning
	case requiredMissing:
		return ReportPartial
	}
	return ReportDone
}

// Flagged returns the ids of sections whose quality fell below the threshold.
func (r Report) Flagged() []string {
	var ids []string
	for _, s := range r.Sections {
		if s.Flagged {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Section returns the section with the given id.
func (r *Report) Section(id string) (*ReportSection, bool) {
	for i := range r.Sections {
		if r.Sections[i].ID == id {
			return &r.Sections[i], true
		}
	}
	return nil, false
}
