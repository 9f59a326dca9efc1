package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/prompt"
	"github.com/xhad/dossier/pkg/quality"
	"github.com/xhad/dossier/pkg/search"
)

var (
	ErrUnknownManifest     = errors.New("unknown manifest")
	ErrReportRunning       = errors.New("report is still running")
	ErrSectionBusy         = errors.New("section is being regenerated")
	ErrDependenciesNotDone = errors.New("section dependencies are not done")
)

// Searcher is the retrieval the orchestrator needs; *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, caseID, query string, cfg search.Config) ([]models.SearchResult, error)
}

type Config struct {
	Search    Searcher
	Generator types.Generator
	// Store supplies the documents that are inlined instead of retrieved. Optional.
	Store   types.VectorStore
	Prompts *prompt.Builder
	Quality *quality.Controller
	Repo    types.ReportRepository
	// Cache memoizes completions per case and prompt. Optional.
	Cache *cache.Manager

	SearchConfig   search.Config
	Generate       types.GenerateOptions
	MaxWorkers     int
	SectionTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Orchestrator generates reports from a manifest. Reports are independent of each other.
type Orchestrator struct {
	config Config
	logger *slog.Logger
	events *broker

	mu           sync.Mutex
	manifests    map[string]Manifest
	regenerating map[string]bool

	wg sync.WaitGroup
}

// SectionState is the consumer view of one section.
type SectionState struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Status       models.SectionStatus `json:"status"`
	QualityScore *float64             `json:"qualityScore"`
	Reason       string               `json:"reason,omitempty"`
	Flagged      bool                 `json:"flagged"`
}

type Status struct {
	ReportID string              `json:"reportId"`
	CaseID   string              `json:"caseId"`
	Status   models.ReportStatus `json:"status"`
	Sections []SectionState      `json:"sections"`
	Flagged  []string            `json:"flagged,omitempty"`
	Fatal    string              `json:"fatal,omitempty"`
}

func NewWithConfig(config Config) (*Orchestrator, error) {
	if config.Search == nil {
		return nil, errors.New("orchestrator requires a searcher")
	}
	if config.Generator == nil {
		return nil, errors.New("orchestrator requires a generator")
	}
	if config.Prompts == nil {
		config.Prompts = prompt.NewWithConfig(prompt.BuilderConfig{})
	}
	if config.Quality == nil {
		config.Quality = quality.NewWithConfig(quality.ControllerConfig{})
	}
	if config.Repo == nil {
		config.Repo = NewMemoryRepo()
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.SectionTimeout <= 0 {
		config.SectionTimeout = 3 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}

	return &Orchestrator{
		config:       config,
		logger:       config.Logger,
		events:       newBroker(),
		manifests:    make(map[string]Manifest),
		regenerating: make(map[string]bool),
	}, nil
}

// StartReport validates the manifest, persists a pending report and generates it in the
// background. The returned id can be polled with GetReportStatus.
func (o *Orchestrator) StartReport(ctx context.Context, caseID string, m Manifest) (string, error) {
	report, err := o.prepare(ctx, caseID, m)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(context.WithoutCancel(ctx), report, m)
	}()
	return report.ID, nil
}

// Run generates a report synchronously. A report is returned whenever one was created,
// including partial and failed ones.
func (o *Orchestrator) Run(ctx context.Context, caseID string, m Manifest) (*models.Report, error) {
	report, err := o.prepare(ctx, caseID, m)
	if err != nil {
		return nil, err
	}
	final := o.execute(ctx, report, m)
	return &final, nil
}

// Wait blocks until every report started with StartReport has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) GetReport(ctx context.Context, reportID string) (models.Report, error) {
	return o.config.Repo.GetReport(ctx, reportID)
}

func (o *Orchestrator) GetReportStatus(ctx context.Context, reportID string) (Status, error) {
	report, err := o.config.Repo.GetReport(ctx, reportID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ReportID: report.ID,
		CaseID:   report.CaseID,
		Status:   report.Status(),
		Flagged:  report.Flagged(),
		Fatal:    report.Fatal,
		Sections: make([]SectionState, len(report.Sections)),
	}
	for i, s := range report.Sections {
		st.Sections[i] = SectionState{
			ID:           s.ID,
			Title:        s.Title,
			Status:       s.Status,
			QualityScore: s.Quality,
			Reason:       s.Reason,
			Flagged:      s.Flagged,
		}
	}
	return st, nil
}

// Watch streams section events of a running report. The channel closes when the report
// finishes or cancel is called.
func (o *Orchestrator) Watch(reportID string) (<-chan Event, func()) {
	return o.events.subscribe(reportID)
}

// RegenerateSection re-runs one section of a finished report, bypassing cached completions.
// Its dependencies must be done. Dependents are left as they are.
func (o *Orchestrator) RegenerateSection(ctx context.Context, reportID, sectionID string) (models.ReportSection, error) {
	report, err := o.config.Repo.GetReport(ctx, reportID)
	if err != nil {
		return models.ReportSection{}, err
	}
	switch report.Status() {
	case models.ReportPending, models.ReportRunning:
		return models.ReportSection{}, ErrReportRunning
	}

	m, ok := o.manifest(report.ManifestName)
	if !ok {
		return models.ReportSection{}, fmt.Errorf("%w: %s", ErrUnknownManifest, report.ManifestName)
	}
	spec, ok := m.section(sectionID)
	if !ok {
		return models.ReportSection{}, fmt.Errorf("section %s: %w", sectionID, types.ErrNotFound)
	}
	for _, dep := range spec.DependsOn {
		if d, ok := report.Section(dep); !ok || d.Status != models.SectionDone {
			return models.ReportSection{}, fmt.Errorf("%w: %s", ErrDependenciesNotDone, dep)
		}
	}

	key := reportID + "/" + sectionID
	o.mu.Lock()
	if o.regenerating[key] {
		o.mu.Unlock()
		return models.ReportSection{}, ErrSectionBusy
	}
	o.regenerating[key] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.regenerating, key)
		o.mu.Unlock()
	}()

	inline, err := o.inlineDocuments(ctx, report.CaseID)
	if err != nil {
		return models.ReportSection{}, err
	}

	sec, _ := report.Section(sectionID)
	o.start(sec)
	o.persist(ctx, &report, *sec)

	out := o.produce(ctx, report.CaseID, spec, dependencies(report, m, spec), inline, true)
	if out.fatal != nil {
		sec.Status = models.SectionFailed
		sec.Reason = "store unavailable"
		o.finishTime(sec)
		o.persist(ctx, &report, *sec)
		return *sec, fmt.Errorf("failed to regenerate section %s: %w", sectionID, out.fatal)
	}
	o.finish(sec, spec, out)
	o.persist(ctx, &report, *sec)

	o.logger.Info("section regenerated", "report_id", reportID, "section", sectionID, "status", sec.Status)
	return *sec, nil
}

func (o *Orchestrator) prepare(ctx context.Context, caseID string, m Manifest) (models.Report, error) {
	if err := m.Validate(); err != nil {
		return models.Report{}, fmt.Errorf("invalid manifest: %w", err)
	}
	o.mu.Lock()
	o.manifests[m.Name] = m
	o.mu.Unlock()

	now := o.config.Now().UTC()
	report := models.Report{
		ID:           o.config.NewID(),
		CaseID:       caseID,
		ManifestName: m.Name,
		Sections:     make([]models.ReportSection, len(m.Sections)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, s := range m.Sections {
		report.Sections[i] = models.ReportSection{
			ID:        s.ID,
			Title:     s.Title,
			Phase:     s.Phase,
			DependsOn: append([]string(nil), s.DependsOn...),
			Required:  s.Required,
			Status:    models.SectionPending,
		}
	}

	if err := o.config.Repo.CreateReport(ctx, report); err != nil {
		return models.Report{}, fmt.Errorf("failed to create report: %w", err)
	}
	o.logger.Info("report created", "report_id", report.ID, "case_id", caseID, "manifest", m.Name, "sections", len(m.Sections))
	return report, nil
}

// RegisterManifest makes a manifest available for regeneration of reports created by an
// earlier process.
func (o *Orchestrator) RegisterManifest(m Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.manifests[m.Name] = m
	return nil
}

func (o *Orchestrator) manifest(name string) (Manifest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.manifests[name]
	return m, ok
}

func (o *Orchestrator) inlineDocuments(ctx context.Context, caseID string) ([]models.Document, error) {
	if o.config.Store == nil {
		return nil, nil
	}
	docs, err := o.config.Store.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	var inline []models.Document
	for _, d := range docs {
		if d.Inline() {
			inline = append(inline, d)
		}
	}
	return inline, nil
}

// persist writes a section into report and records it.
func (o *Orchestrator) persist(ctx context.Context, report *models.Report, sec models.ReportSection) {
	if s, ok := report.Section(sec.ID); ok {
		*s = sec
	}
	o.record(ctx, report.ID, report.Status(), sec)
}

// record saves a section and notifies watchers. Repository failures are logged; the run
// carries on with its in-memory state.
func (o *Orchestrator) record(ctx context.Context, reportID string, status models.ReportStatus, sec models.ReportSection) {
	if err := o.config.Repo.UpdateSection(ctx, reportID, sec); err != nil {
		o.logger.Warn("failed to persist section", "report_id", reportID, "section", sec.ID, "error", err)
	}
	o.events.publish(Event{
		ReportID:     reportID,
		SectionID:    sec.ID,
		Status:       sec.Status,
		Reason:       sec.Reason,
		Quality:      sec.Quality,
		Flagged:      sec.Flagged,
		ReportStatus: status,
		Time:         o.config.Now().UTC(),
	})
}
