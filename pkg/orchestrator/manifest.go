package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Phase groups sections that may run concurrently. Sequential phases run one section at a time.
type Phase struct {
	Number     int    `yaml:"number" json:"number"`
	Name       string `yaml:"name" json:"name"`
	Sequential bool   `yaml:"sequential" json:"sequential"`
}

type SectionSpec struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title" json:"title"`
	Phase     int      `yaml:"phase" json:"phase"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	// Required sections must be done for the report to count as done.
	Required bool `yaml:"required" json:"required"`
	// Query drives retrieval; the title is used when it is empty.
	Query          string   `yaml:"query" json:"query,omitempty"`
	Expansions     []string `yaml:"expansions" json:"expansions,omitempty"`
	RequiredTopics []string `yaml:"required_topics" json:"required_topics,omitempty"`
	Instructions   string   `yaml:"instructions" json:"instructions,omitempty"`
}

func (s SectionSpec) query() string {
	if s.Query != "" {
		return s.Query
	}
	return s.Title
}

// Manifest is the static section graph a report is generated from.
type Manifest struct {
	Name     string        `yaml:"name" json:"name"`
	Phases   []Phase       `yaml:"phases" json:"phases"`
	Sections []SectionSpec `yaml:"sections" json:"sections"`
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("error reading manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("error parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate rejects duplicate ids, unknown or forward dependencies, undeclared phases and cycles.
func (m Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("manifest name is required"))
	}
	if len(m.Sections) == 0 {
		errs = append(errs, errors.New("manifest has no sections"))
	}

	phases := make(map[int]bool, len(m.Phases))
	for _, p := range m.Phases {
		if phases[p.Number] {
			errs = append(errs, fmt.Errorf("duplicate phase %d", p.Number))
		}
		phases[p.Number] = true
	}

	byID := make(map[string]SectionSpec, len(m.Sections))
	for _, s := range m.Sections {
		if s.ID == "" {
			errs = append(errs, errors.New("section with empty id"))
			continue
		}
		if _, dup := byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate section %q", s.ID))
			continue
		}
		byID[s.ID] = s
		if len(m.Phases) > 0 && !phases[s.Phase] {
			errs = append(errs, fmt.Errorf("section %q: undeclared phase %d", s.ID, s.Phase))
		}
	}

	for _, s := range m.Sections {
		for _, dep := range s.DependsOn {
			d, ok := byID[dep]
			switch {
			case dep == s.ID:
				errs = append(errs, fmt.Errorf("section %q depends on itself", s.ID))
			case !ok:
				errs = append(errs, fmt.Errorf("section %q: unknown dependency %q", s.ID, dep))
			case d.Phase > s.Phase:
				errs = append(errs, fmt.Errorf("section %q (phase %d) depends on %q from later phase %d", s.ID, s.Phase, dep, d.Phase))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := m.order(); err != nil {
		return err
	}
	return nil
}

// order returns the sections grouped by phase (ascending), each group in dependency order
// with manifest order breaking ties (Kahn's algorithm).
func (m Manifest) order() ([][]SectionSpec, error) {
	position := make(map[string]int, len(m.Sections))
	for i, s := range m.Sections {
		position[s.ID] = i
	}

	indegree := make(map[string]int, len(m.Sections))
	dependents := make(map[string][]string)
	for _, s := range m.Sections {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range m.Sections {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	var sorted []SectionSpec
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, m.Sections[position[id]])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(sorted) != len(m.Sections) {
		var stuck []string
		for _, s := range m.Sections {
			if indegree[s.ID] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle among sections %v", stuck)
	}

	var numbers []int
	groups := make(map[int][]SectionSpec)
	for _, s := range sorted {
		if _, ok := groups[s.Phase]; !ok {
			numbers = append(numbers, s.Phase)
		}
		groups[s.Phase] = append(groups[s.Phase], s)
	}
	sort.Ints(numbers)
	out := make([][]SectionSpec, len(numbers))
	for i, n := range numbers {
		out[i] = groups[n]
	}
	return out, nil
}

func (m Manifest) phase(n int) Phase {
	for _, p := range m.Phases {
		if p.Number == n {
			return p
		}
	}
	return Phase{Number: n}
}

func (m Manifest) section(id string) (SectionSpec, bool) {
	for _, s := range m.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return SectionSpec{}, false
}

// DefaultManifest is the standard case report.
func DefaultManifest() Manifest {
	return Manifest{
		Name: "case_report",
		Phases: []Phase{
			{Number: 0, Name: "introduction", Sequential: true},
			{Number: 1, Name: "history"},
			{Number: 2, Name: "analysis"},
			{Number: 3, Name: "conclusion", Sequential: true},
		},
		Sections: []SectionSpec{
			{
				ID: "introduction", Title: "Introduction", Phase: 0, Required: true,
				Query:        "case overview purpose of the report parties involved",
				Instructions: "Introduce the case, the person concerned and the purpose of this report in two or three paragraphs.",
			},
			{
				ID: "background", Title: "Background", Phase: 1, DependsOn: []string{"introduction"}, Required: true,
				Query:      "personal background family living situation education",
				Expansions: []string{"family circumstances and household", "education and upbringing"},
			},
			{
				ID: "medical_history", Title: "Medical History", Phase: 1, DependsOn: []string{"introduction"}, Required: true,
				Query:          "medical conditions diagnoses treatments",
				Expansions:     []string{"injuries and surgery", "medication and therapy", "physician reports"},
				RequiredTopics: []string{"diagnos|condition", "treatment|therapy|medication"},
				Instructions:   "Describe diagnoses and treatments chronologically. Quote dates where the sources give them.",
			},
			{
				ID: "employment_history", Title: "Employment History", Phase: 1, DependsOn: []string{"introduction"}, Required: true,
				Query:          "employment history work experience employer job",
				Expansions:     []string{"occupation and working hours", "periods of unemployment or sick leave"},
				RequiredTopics: []string{"employ|work|job"},
			},
			{
				ID: "financial_situation", Title: "Financial Situation", Phase: 1, DependsOn: []string{"introduction"},
				Query:          "income debts financial situation benefits",
				Expansions:     []string{"salary and benefits", "debts and expenses"},
				RequiredTopics: []string{"income|salary|benefit"},
			},
			{
				ID: "assessment", Title: "Assessment", Phase: 2, Required: true,
				DependsOn:    []string{"background", "medical_history", "employment_history"},
				Query:        "assessment capacity limitations prognosis",
				Expansions:   []string{"functional limitations", "work capacity"},
				Instructions: "Assess the case based on the prior sections. Separate findings from interpretation.",
			},
			{
				ID: "recommendations", Title: "Recommendations", Phase: 2, Required: true,
				DependsOn:    []string{"assessment"},
				Query:        "recommendations next steps measures",
				Instructions: "Give concrete, numbered recommendations that follow from the assessment.",
			},
			{
				ID: "conclusion", Title: "Conclusion", Phase: 3, Required: true,
				DependsOn: []string{
					"introduction", "background", "medical_history", "employment_history",
					"financial_situation", "assessment", "recommendations",
				},
				Query:        "summary conclusion",
				Instructions: "Summarise the report in one or two paragraphs. Do not introduce new facts.",
			},
		},
	}
}
