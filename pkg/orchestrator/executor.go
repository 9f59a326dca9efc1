package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/prompt"
	"github.com/xhad/dossier/pkg/quality"
)

const reasonAborted = "pipeline aborted"

// run is the state of one report generation. Sections are written into report by
// manifest position, so completion order never changes the assembled order.
type run struct {
	o        *Orchestrator
	manifest Manifest
	inline   []models.Document

	mu     sync.Mutex
	report models.Report

	done    map[string]chan struct{}
	aborted atomic.Bool
}

func (o *Orchestrator) execute(ctx context.Context, report models.Report, m Manifest) models.Report {
	r := &run{
		o:        o,
		manifest: m,
		report:   report,
		done:     make(map[string]chan struct{}, len(m.Sections)),
	}
	for _, s := range m.Sections {
		r.done[s.ID] = make(chan struct{})
	}
	defer o.events.closeReport(report.ID)

	inline, err := o.inlineDocuments(ctx, report.CaseID)
	switch {
	case types.IsStoreUnavailable(err):
		r.abort(ctx, err)
	case err != nil:
		o.logger.Warn("continuing without inline documents", "report_id", report.ID, "error", err)
	}
	r.inline = inline

	phases, _ := m.order()
	for _, group := range phases {
		if r.aborted.Load() {
			break
		}
		r.runPhase(ctx, m.phase(group[0].Phase), group)
	}
	if r.aborted.Load() {
		r.skipPending(ctx)
	}

	final := r.snapshot()
	o.logger.Info("report finished",
		"report_id", final.ID, "status", final.Status(), "flagged", len(final.Flagged()))
	o.events.publish(Event{ReportID: final.ID, ReportStatus: final.Status(), Time: o.config.Now().UTC()})
	return final
}

// runPhase starts sections in dependency order. errgroup.Go blocks while the worker limit is
// reached, so a section only ever waits on dependencies that already hold or have released
// a slot.
func (r *run) runPhase(ctx context.Context, phase Phase, sections []SectionSpec) {
	limit := r.o.config.MaxWorkers
	if phase.Sequential {
		limit = 1
	}
	r.o.logger.Debug("phase started", "report_id", r.report.ID, "phase", phase.Number, "sections", len(sections), "workers", limit)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, spec := range sections {
		spec := spec
		g.Go(func() error {
			r.runSection(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) runSection(ctx context.Context, spec SectionSpec) {
	defer close(r.done[spec.ID])

	for _, dep := range spec.DependsOn {
		select {
		case <-r.done[dep]:
		case <-ctx.Done():
			r.settle(ctx, spec.ID, models.SectionSkipped, "cancelled")
			return
		}
	}

	if r.aborted.Load() {
		r.settle(ctx, spec.ID, models.SectionSkipped, reasonAborted)
		return
	}

	sec, deps, blocked := r.prepareSection(spec)
	if blocked != "" {
		r.settle(ctx, spec.ID, models.SectionSkipped, blocked)
		return
	}

	r.o.start(&sec)
	r.update(ctx, sec)

	out := r.o.produce(ctx, r.report.CaseID, spec, deps, r.inline, false)
	if out.fatal != nil {
		r.abort(ctx, out.fatal)
		sec.Status = models.SectionFailed
		sec.Reason = "store unavailable"
		r.o.finishTime(&sec)
		r.update(ctx, sec)
		return
	}

	r.o.finish(&sec, spec, out)
	r.update(ctx, sec)
}

// prepareSection returns the section, the outputs it builds on, and a non-empty reason when a
// dependency did not complete.
func (r *run) prepareSection(spec SectionSpec) (models.ReportSection, []prompt.Dependency, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range spec.DependsOn {
		d, _ := r.report.Section(dep)
		if d.Status != models.SectionDone {
			return models.ReportSection{}, nil, fmt.Sprintf("dependency %s %s", dep, d.Status)
		}
	}
	sec, _ := r.report.Section(spec.ID)
	return *sec, dependencies(r.report, r.manifest, spec), ""
}

func (r *run) settle(ctx context.Context, id string, status models.SectionStatus, reason string) {
	r.mu.Lock()
	sec, _ := r.report.Section(id)
	if sec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	sec.Status = status
	sec.Reason = reason
	snapshot := *sec
	st := r.report.Status()
	r.mu.Unlock()

	r.o.record(ctx, r.report.ID, st, snapshot)
}

func (r *run) update(ctx context.Context, sec models.ReportSection) {
	r.mu.Lock()
	s, _ := r.report.Section(sec.ID)
	*s = sec
	st := r.report.Status()
	r.mu.Unlock()

	r.o.record(ctx, r.report.ID, st, sec)
}

// abort marks the report failed once. Running sections finish; pending ones are skipped.
func (r *run) abort(ctx context.Context, cause error) {
	if !r.aborted.CompareAndSwap(false, true) {
		return
	}
	reason := fmt.Sprintf("%s: %v", reasonAborted, cause)
	r.mu.Lock()
	r.report.Fatal = reason
	r.mu.Unlock()

	r.o.logger.Error("report aborted", "report_id", r.report.ID, "error", cause)
	if err := r.o.config.Repo.SetFatal(ctx, r.report.ID, reason); err != nil {
		r.o.logger.Warn("failed to persist fatal error", "report_id", r.report.ID, "error", err)
	}
}

func (r *run) skipPending(ctx context.Context) {
	r.mu.Lock()
	var pending []string
	for _, s := range r.report.Sections {
		if s.Status == models.SectionPending {
			pending = append(pending, s.ID)
		}
	}
	r.mu.Unlock()
	for _, id := range pending {
		r.settle(ctx, id, models.SectionSkipped, reasonAborted)
	}
}

func (r *run) snapshot() models.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneReport(r.report)
}

// dependencies returns the done outputs a section builds on: sections of the first phase,
// then declared dependencies, without repeats.
func dependencies(report models.Report, m Manifest, spec SectionSpec) []prompt.Dependency {
	first := spec.Phase
	for _, s := range m.Sections {
		if s.Phase < first {
			first = s.Phase
		}
	}

	var ids []string
	seen := map[string]bool{spec.ID: true}
	if spec.Phase > first {
		for _, s := range m.Sections {
			if s.Phase == first && !seen[s.ID] {
				seen[s.ID] = true
				ids = append(ids, s.ID)
			}
		}
	}
	for _, dep := range spec.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			ids = append(ids, dep)
		}
	}

	var deps []prompt.Dependency
	for _, id := range ids {
		if s, ok := report.Section(id); ok && s.Status == models.SectionDone {
			deps = append(deps, prompt.Dependency{ID: s.ID, Title: s.Title, Content: s.Content})
		}
	}
	return deps
}

type outcome struct {
	content string
	sources []string
	// err fails the section only.
	err error
	// fatal aborts the report.
	fatal error
}

// produce retrieves context, builds the prompt and generates the section under the
// section timeout, which is derived from ctx and never from a sibling.
func (o *Orchestrator) produce(ctx context.Context, caseID string, spec SectionSpec, deps []prompt.Dependency, inline []models.Document, fresh bool) outcome {
	sctx, cancel := context.WithTimeout(ctx, o.config.SectionTimeout)
	defer cancel()

	cfg := o.config.SearchConfig
	cfg.Expansions = spec.Expansions
	results, err := o.config.Search.Search(sctx, caseID, spec.query(), cfg)
	if err != nil {
		if types.IsStoreUnavailable(err) {
			return outcome{fatal: err}
		}
		if sctx.Err() != nil {
			return outcome{err: &types.GenerationError{Err: err, Timeout: true}}
		}
		o.logger.Warn("generating without retrieved context", "case_id", caseID, "section", spec.ID, "error", err)
	}

	p := o.config.Prompts.Build(prompt.Input{
		CaseID:       caseID,
		Section:      prompt.Section{ID: spec.ID, Title: spec.Title, Instructions: spec.Instructions},
		Dependencies: deps,
		Results:      results,
		Inline:       inline,
	})

	text, err := o.complete(sctx, caseID, p, fresh)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{content: text, sources: p.SourceTexts()}
}

func (o *Orchestrator) complete(ctx context.Context, caseID string, p prompt.Prompt, fresh bool) (string, error) {
	if o.config.Cache == nil {
		return o.config.Generator.Generate(ctx, p.Message(), o.config.Generate)
	}
	key := cache.NewKey(cache.CaseScope(caseID), cache.CategoryPrompt,
		p.System, p.User, fmt.Sprintf("%g/%d", o.config.Generate.Temperature, o.config.Generate.MaxTokens))
	if !fresh {
		if v, ok := o.config.Cache.Get(ctx, key); ok {
			return string(v), nil
		}
	}
	text, err := o.config.Generator.Generate(ctx, p.Message(), o.config.Generate)
	if err != nil {
		return "", err
	}
	o.config.Cache.Set(ctx, key, []byte(text))
	return text, nil
}

func (o *Orchestrator) start(sec *models.ReportSection) {
	now := o.config.Now().UTC()
	sec.Status = models.SectionRunning
	sec.Reason = ""
	sec.Attempts++
	sec.StartedAt = &now
	sec.FinishedAt = nil
}

func (o *Orchestrator) finishTime(sec *models.ReportSection) {
	now := o.config.Now().UTC()
	sec.FinishedAt = &now
}

// finish applies a generation outcome to the section and scores it.
func (o *Orchestrator) finish(sec *models.ReportSection, spec SectionSpec, out outcome) {
	defer o.finishTime(sec)

	sec.Content = ""
	sec.Quality = nil
	sec.Flagged = false

	if out.err != nil {
		sec.Status = models.SectionFailed
		sec.Reason = failureReason(out.err)
		o.logger.Warn("section failed", "section", spec.ID, "reason", sec.Reason)
		return
	}

	sec.Status = models.SectionDone
	sec.Content = out.content

	score, err := o.config.Quality.Score(quality.Input{
		SectionID:      spec.ID,
		Generated:      out.content,
		Sources:        out.sources,
		RequiredTopics: spec.RequiredTopics,
	})
	if err != nil {
		o.logger.Warn("quality unknown", "section", spec.ID, "error", err)
		return
	}
	overall := score.Overall
	sec.Quality = &overall
	sec.Flagged = score.Flagged
}

func failureReason(err error) string {
	var gen *types.GenerationError
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &gen) && gen.Timeout) {
		return "timeout"
	}
	return err.Error()
}
