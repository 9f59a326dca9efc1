package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/orchestrator"
	"github.com/xhad/dossier/pkg/search"
)

var sectionTitle = regexp.MustCompile(`section "([^"]+)"`)

type scriptedGenerator struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       map[string]int
	// fn decides the outcome for a section title; nil generates a plain paragraph.
	fn func(ctx context.Context, title string, call int) (string, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, p types.Prompt, _ types.GenerateOptions) (string, error) {
	m := sectionTitle.FindStringSubmatch(p.System)
	if m == nil {
		return "", errors.New("no section in prompt")
	}
	title := m[1]

	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[title]++
	call := g.calls[title]
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if g.fn != nil {
		return g.fn(ctx, title, call)
	}
	return paragraph(title), nil
}

func (g *scriptedGenerator) callsFor(title string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[title]
}

func paragraph(title string) string {
	return fmt.Sprintf("The %s records for this case were reviewed in detail. The records are consistent with each other.", title)
}

type stubSearcher struct {
	errFor map[string]error
}

func (s stubSearcher) Search(_ context.Context, caseID, query string, _ search.Config) ([]models.SearchResult, error) {
	if err, ok := s.errFor[query]; ok {
		return nil, err
	}
	return []models.SearchResult{{
		Chunk:  models.Chunk{ID: caseID + ":" + query, Text: "The " + query + " records for this case were reviewed."},
		Score:  0.8,
		Method: models.MatchHybrid,
	}}, nil
}

type logEntry struct {
	section string
	status  models.SectionStatus
}

// recordingRepo keeps the order in which section states were written.
type recordingRepo struct {
	*orchestrator.MemoryRepo
	mu  sync.Mutex
	log []logEntry
}

func (r *recordingRepo) UpdateSection(ctx context.Context, reportID string, s models.ReportSection) error {
	r.mu.Lock()
	r.log = append(r.log, logEntry{section: s.ID, status: s.Status})
	r.mu.Unlock()
	return r.MemoryRepo.UpdateSection(ctx, reportID, s)
}

func (r *recordingRepo) entries() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logEntry(nil), r.log...)
}

func newOrchestrator(t *testing.T, gen types.Generator, s orchestrator.Searcher, mutate func(*orchestrator.Config)) (*orchestrator.Orchestrator, *recordingRepo) {
	t.Helper()
	repo := &recordingRepo{MemoryRepo: orchestrator.NewMemoryRepo()}
	cfg := orchestrator.Config{
		Search:         s,
		Generator:      gen,
		Repo:           repo,
		MaxWorkers:     3,
		SectionTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := orchestrator.NewWithConfig(cfg)
	require.NoError(t, err)
	return o, repo
}

func sectionIDs(r *models.Report) []string {
	ids := make([]string, len(r.Sections))
	for i, s := range r.Sections {
		ids[i] = s.ID
	}
	return ids
}

func manifestIDs(m orchestrator.Manifest) []string {
	ids := make([]string, len(m.Sections))
	for i, s := range m.Sections {
		ids[i] = s.ID
	}
	return ids
}

func TestRun_DefaultManifest(t *testing.T) {
	o, _ := newOrchestrator(t, &scriptedGenerator{}, stubSearcher{}, nil)
	m := orchestrator.DefaultManifest()

	report, err := o.Run(context.Background(), "case-1", m)
	require.NoError(t, err)

	assert.Equal(t, models.ReportDone, report.Status())
	assert.Equal(t, manifestIDs(m), sectionIDs(report))
	for _, s := range report.Sections {
		assert.Equal(t, models.SectionDone, s.Status, s.ID)
		assert.NotEmpty(t, s.Content, s.ID)
		assert.NotNil(t, s.Quality, s.ID)
		assert.Equal(t, 1, s.Attempts, s.ID)
	}

	stored, err := o.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Sections, stored.Sections)
}

func TestRun_DependencySafety(t *testing.T) {
	m := orchestrator.DefaultManifest()
	for seed := int64(0); seed < 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			var rngMu sync.Mutex
			gen := &scriptedGenerator{fn: func(_ context.Context, title string, _ int) (string, error) {
				rngMu.Lock()
				d := time.Duration(rng.Intn(5)) * time.Millisecond
				rngMu.Unlock()
				time.Sleep(d)
				if title == "Medical History" {
					return "", &types.GenerationError{Err: errors.New("model overloaded")}
				}
				return paragraph(title), nil
			}}
			o, repo := newOrchestrator(t, gen, stubSearcher{}, nil)

			report, err := o.Run(context.Background(), "case-1", m)
			require.NoError(t, err)

			// every section starts only after each dependency reached a terminal state
			log := repo.entries()
			terminalAt := map[string]int{}
			for i, e := range log {
				if e.status.Terminal() {
					if _, ok := terminalAt[e.section]; !ok {
						terminalAt[e.section] = i
					}
				}
			}
			for i, e := range log {
				if e.status != models.SectionRunning {
					continue
				}
				spec := findSpec(t, m, e.section)
				for _, dep := range spec.DependsOn {
					at, ok := terminalAt[dep]
					require.True(t, ok, "%s ran but %s never finished", e.section, dep)
					assert.Less(t, at, i, "%s started before %s finished", e.section, dep)
				}
			}

			statuses := map[string]models.SectionStatus{}
			for _, s := range report.Sections {
				statuses[s.ID] = s.Status
			}
			assert.Equal(t, models.SectionFailed, statuses["medical_history"])
			assert.Equal(t, models.SectionSkipped, statuses["assessment"])
			assert.Equal(t, models.SectionSkipped, statuses["recommendations"])
			assert.Equal(t, models.SectionSkipped, statuses["conclusion"])
			assert.Equal(t, models.SectionDone, statuses["employment_history"])
			assert.Equal(t, models.SectionDone, statuses["financial_situation"])
			assert.Equal(t, models.ReportPartial, report.Status())

			assessment, _ := report.Section("assessment")
			assert.Equal(t, "dependency medical_history failed", assessment.Reason)
			assert.Zero(t, gen.callsFor("Assessment"))
		})
	}
}

func findSpec(t *testing.T, m orchestrator.Manifest, id string) orchestrator.SectionSpec {
	t.Helper()
	for _, s := range m.Sections {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("section %s not in manifest", id)
	return orchestrator.SectionSpec{}
}

func TestRun_DeterministicAssembly(t *testing.T) {
	m := orchestrator.Manifest{
		Name:   "flat",
		Phases: []orchestrator.Phase{{Number: 0}},
	}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("s%d", i)
		m.Sections = append(m.Sections, orchestrator.SectionSpec{ID: id, Title: id, Required: true})
	}

	render := func(delay func(i int) time.Duration) string {
		gen := &scriptedGenerator{fn: func(_ context.Context, title string, _ int) (string, error) {
			var i int
			fmt.Sscanf(title, "s%d", &i)
			time.Sleep(delay(i))
			return paragraph(title), nil
		}}
		o, _ := newOrchestrator(t, gen, stubSearcher{}, func(c *orchestrator.Config) { c.MaxWorkers = 6 })
		report, err := o.Run(context.Background(), "case-1", m)
		require.NoError(t, err)
		assert.Equal(t, manifestIDs(m), sectionIDs(report))
		return orchestrator.Assemble(*report)
	}

	forward := render(func(i int) time.Duration { return time.Duration(i) * 3 * time.Millisecond })
	backward := render(func(i int) time.Duration { return time.Duration(6-i) * 3 * time.Millisecond })
	assert.Equal(t, forward, backward)
}

func TestRun_SectionTimeout(t *testing.T) {
	gen := &scriptedGenerator{fn: func(ctx context.Context, title string, _ int) (string, error) {
		if title == "Financial Situation" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return paragraph(title), nil
	}}
	o, _ := newOrchestrator(t, gen, stubSearcher{}, func(c *orchestrator.Config) {
		c.SectionTimeout = 30 * time.Millisecond
	})

	report, err := o.Run(context.Background(), "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)

	fin, _ := report.Section("financial_situation")
	assert.Equal(t, models.SectionFailed, fin.Status)
	assert.Equal(t, "timeout", fin.Reason)

	for _, id := range []string{"background", "medical_history", "employment_history", "assessment", "recommendations"} {
		s, _ := report.Section(id)
		assert.Equal(t, models.SectionDone, s.Status, "a sibling timeout must not cancel %s", id)
	}
	conclusion, _ := report.Section("conclusion")
	assert.Equal(t, models.SectionSkipped, conclusion.Status)
	assert.Equal(t, models.ReportPartial, report.Status())
}

func TestRun_WorkerLimit(t *testing.T) {
	m := orchestrator.Manifest{
		Name: "wide",
		Phases: []orchestrator.Phase{
			{Number: 0},
			{Number: 1, Sequential: true},
		},
	}
	for i := 0; i < 8; i++ {
		m.Sections = append(m.Sections, orchestrator.SectionSpec{ID: fmt.Sprintf("p%d", i), Title: fmt.Sprintf("p%d", i)})
	}
	seq := &scriptedGenerator{fn: func(_ context.Context, title string, _ int) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return paragraph(title), nil
	}}
	o, _ := newOrchestrator(t, seq, stubSearcher{}, func(c *orchestrator.Config) { c.MaxWorkers = 2 })
	_, err := o.Run(context.Background(), "case-1", m)
	require.NoError(t, err)
	assert.LessOrEqual(t, seq.maxInFlight, 2)
	assert.Equal(t, 2, seq.maxInFlight)

	for i := range m.Sections {
		m.Sections[i].Phase = 1
	}
	seq = &scriptedGenerator{fn: seq.fn}
	o, _ = newOrchestrator(t, seq, stubSearcher{}, func(c *orchestrator.Config) { c.MaxWorkers = 4 })
	_, err = o.Run(context.Background(), "case-1", m)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.maxInFlight)
}

func TestRun_StoreUnavailableAbortsPipeline(t *testing.T) {
	m := orchestrator.DefaultManifest()
	down := fmt.Errorf("dial tcp: %w", types.ErrStoreUnavailable)
	s := stubSearcher{errFor: map[string]error{findSpec(t, m, "background").Query: down}}
	o, _ := newOrchestrator(t, &scriptedGenerator{}, s, nil)

	report, err := o.Run(context.Background(), "case-1", m)
	require.NoError(t, err)

	assert.Equal(t, models.ReportFailed, report.Status())
	assert.Contains(t, report.Fatal, "pipeline aborted")

	bg, _ := report.Section("background")
	assert.Equal(t, models.SectionFailed, bg.Status)
	intro, _ := report.Section("introduction")
	assert.Equal(t, models.SectionDone, intro.Status)
	for _, id := range []string{"assessment", "recommendations", "conclusion"} {
		sec, _ := report.Section(id)
		assert.Equal(t, models.SectionSkipped, sec.Status, id)
		assert.Equal(t, "pipeline aborted", sec.Reason, id)
	}

	stored, err := o.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportFailed, stored.Status())
}

func TestRun_RetrievalErrorStillGenerates(t *testing.T) {
	m := orchestrator.DefaultManifest()
	s := stubSearcher{errFor: map[string]error{
		findSpec(t, m, "background").Query: &types.RetrievalError{CaseID: "case-1", Err: errors.New("bad query")},
	}}
	o, _ := newOrchestrator(t, &scriptedGenerator{}, s, nil)

	report, err := o.Run(context.Background(), "case-1", m)
	require.NoError(t, err)
	assert.Equal(t, models.ReportDone, report.Status())
}

func TestRun_InvalidManifest(t *testing.T) {
	o, _ := newOrchestrator(t, &scriptedGenerator{}, stubSearcher{}, nil)
	_, err := o.Run(context.Background(), "case-1", orchestrator.Manifest{Name: "empty"})
	assert.Error(t, err)
}

func TestStartReport_StatusAndWatch(t *testing.T) {
	o, _ := newOrchestrator(t, &scriptedGenerator{}, stubSearcher{}, func(c *orchestrator.Config) {
		c.NewID = func() string { return "report-1" }
	})
	events, cancel := o.Watch("report-1")
	defer cancel()

	id, err := o.StartReport(context.Background(), "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, "report-1", id)

	var got []orchestrator.Event
	for e := range events {
		got = append(got, e)
	}
	o.Wait()

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Empty(t, last.SectionID)
	assert.Equal(t, models.ReportDone, last.ReportStatus)

	seen := map[string]bool{}
	for _, e := range got {
		if e.Status == models.SectionDone {
			seen[e.SectionID] = true
		}
	}
	assert.Len(t, seen, len(orchestrator.DefaultManifest().Sections))

	st, err := o.GetReportStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ReportDone, st.Status)
	require.Len(t, st.Sections, len(orchestrator.DefaultManifest().Sections))
	assert.Equal(t, "introduction", st.Sections[0].ID)
	assert.NotNil(t, st.Sections[0].QualityScore)

	_, err = o.GetReportStatus(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegenerateSection(t *testing.T) {
	gen := &scriptedGenerator{fn: func(_ context.Context, title string, call int) (string, error) {
		if title == "Financial Situation" && call == 1 {
			return "", &types.GenerationError{Err: errors.New("rate limited"), Retryable: true}
		}
		return paragraph(title), nil
	}}
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	o, _ := newOrchestrator(t, gen, stubSearcher{}, func(c *orchestrator.Config) { c.Cache = m })
	ctx := context.Background()

	report, err := o.Run(ctx, "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)
	require.Equal(t, models.ReportPartial, report.Status())

	_, err = o.RegenerateSection(ctx, report.ID, "conclusion")
	assert.True(t, errors.Is(err, orchestrator.ErrDependenciesNotDone))

	sec, err := o.RegenerateSection(ctx, report.ID, "financial_situation")
	require.NoError(t, err)
	assert.Equal(t, models.SectionDone, sec.Status)
	assert.Equal(t, 2, sec.Attempts)

	// the conclusion can now be regenerated; its dependencies are all done
	sec, err = o.RegenerateSection(ctx, report.ID, "conclusion")
	require.NoError(t, err)
	assert.Equal(t, models.SectionDone, sec.Status)

	stored, err := o.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportDone, stored.Status())

	// regeneration bypasses cached completions
	before := gen.callsFor("Introduction")
	_, err = o.RegenerateSection(ctx, report.ID, "introduction")
	require.NoError(t, err)
	assert.Equal(t, before+1, gen.callsFor("Introduction"))

	_, err = o.RegenerateSection(ctx, report.ID, "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRun_CompletionsAreCachedPerCase(t *testing.T) {
	gen := &scriptedGenerator{}
	m, err := cache.NewWithConfig(cache.ManagerConfig{})
	require.NoError(t, err)
	o, _ := newOrchestrator(t, gen, stubSearcher{}, func(c *orchestrator.Config) { c.Cache = m })
	ctx := context.Background()

	_, err = o.Run(ctx, "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)
	_, err = o.Run(ctx, "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, 1, gen.callsFor("Introduction"))

	_, err = m.InvalidateCase(ctx, "case-1")
	require.NoError(t, err)
	_, err = o.Run(ctx, "case-1", orchestrator.DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, 2, gen.callsFor("Introduction"))
}

func TestAssemble(t *testing.T) {
	q := 0.4
	out := orchestrator.Assemble(models.Report{Sections: []models.ReportSection{
		{ID: "a", Title: "Alpha", Status: models.SectionDone, Content: "Body.", Quality: &q, Flagged: true},
		{ID: "b", Title: "Beta", Status: models.SectionSkipped, Reason: "dependency a failed"},
	}})
	assert.Equal(t, "## Alpha\n\nBody.\n\n_Flagged for review._\n\n## Beta\n\n_Section skipped: dependency a failed._\n", out)
}
