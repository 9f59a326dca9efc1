package quality

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/search"
)

var ErrEmptySection = errors.New("generated text is empty")

type Weights struct {
	Consistency  float64
	Completeness float64
	Coherence    float64
}

type ControllerConfig struct {
	// Threshold below which a section is flagged for review.
	Threshold float64
	Weights   Weights
	// TermVariants are groups of interchangeable terms; using more than one member of a
	// group in the same section counts as inconsistent terminology.
	TermVariants [][]string
	Logger       *slog.Logger
}

type Input struct {
	SectionID      string
	Generated      string
	Sources        []string
	RequiredTopics []string
}

type Score struct {
	// Consistency is nil when there were no sources to check against.
	Consistency  *float64 `json:"consistency"`
	Completeness float64  `json:"completeness"`
	Coherence    float64  `json:"coherence"`
	Overall      float64  `json:"overall"`
	Flagged      bool     `json:"flagged"`
	Issues       []string `json:"issues,omitempty"`
}

type Controller struct {
	config ControllerConfig
	logger *slog.Logger
}

func NewWithConfig(config ControllerConfig) *Controller {
	if config.Threshold <= 0 {
		config.Threshold = 0.6
	}
	if config.Weights == (Weights{}) {
		config.Weights = Weights{Consistency: 0.4, Completeness: 0.35, Coherence: 0.25}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Controller{config: config, logger: config.Logger}
}

func (c *Controller) Threshold() float64 {
	return c.config.Threshold
}

// Score rates generated section text. Empty text cannot be scored and yields a
// *types.QualityScoringError.
func (c *Controller) Score(in Input) (Score, error) {
	text := strings.TrimSpace(in.Generated)
	if text == "" {
		return Score{}, &types.QualityScoringError{SectionID: in.SectionID, Err: ErrEmptySection}
	}

	var s Score
	var sum, weights float64

	if len(in.Sources) > 0 {
		v := consistency(text, in.Sources)
		s.Consistency = &v
		sum += v * c.config.Weights.Consistency
		weights += c.config.Weights.Consistency
		if v < 0.5 {
			s.Issues = append(s.Issues, fmt.Sprintf("only %.0f%% of terms are supported by sources", v*100))
		}
	}

	var missing []string
	s.Completeness, missing = completeness(text, in.RequiredTopics)
	sum += s.Completeness * c.config.Weights.Completeness
	weights += c.config.Weights.Completeness
	if len(missing) > 0 {
		s.Issues = append(s.Issues, "missing topics: "+strings.Join(missing, ", "))
	}

	var issues []string
	s.Coherence, issues = c.coherence(text)
	sum += s.Coherence * c.config.Weights.Coherence
	weights += c.config.Weights.Coherence
	s.Issues = append(s.Issues, issues...)

	if weights > 0 {
		s.Overall = clamp01(sum / weights)
	}
	s.Flagged = s.Overall < c.config.Threshold

	if s.Flagged {
		c.logger.Info("section flagged for review",
			"section", in.SectionID, "overall", math.Round(s.Overall*100)/100, "issues", len(s.Issues))
	}
	return s, nil
}

var (
	entityPattern = regexp.MustCompile(`\b(?:\p{Lu}\p{Ll}+|\d[\d.,/:-]*\d|\d)\b`)
	sentenceEnd   = regexp.MustCompile(`[.!?…。！？]+["'”’»)\]]*(?:\s+|$)`)
	listLine      = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|#+)\s`)
)

// consistency is the fraction of content terms and entities of text that occur in sources.
func consistency(text string, sources []string) float64 {
	corpus := strings.ToLower(strings.Join(sources, "\n"))

	terms := make(map[string]bool)
	for _, tok := range search.Tokenize(text) {
		if len([]rune(tok)) >= 4 && !search.IsStopword(tok) && hasLetter(tok) {
			terms[tok] = true
		}
	}
	for _, e := range entityPattern.FindAllString(text, -1) {
		e = strings.ToLower(e)
		if !search.IsStopword(e) {
			terms[e] = true
		}
	}
	if len(terms) == 0 {
		return 1
	}

	found := 0
	for t := range terms {
		if strings.Contains(corpus, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

// completeness is the fraction of required topics mentioned. A topic may list alternatives
// separated by '|'.
func completeness(text string, topics []string) (float64, []string) {
	if len(topics) == 0 {
		return 1, nil
	}
	lower := strings.ToLower(text)
	var missing []string
	covered := 0
	for _, topic := range topics {
		hit := false
		for _, alt := range strings.Split(topic, "|") {
			alt = strings.ToLower(strings.TrimSpace(alt))
			if alt != "" && strings.Contains(lower, alt) {
				hit = true
				break
			}
		}
		if hit {
			covered++
		} else {
			missing = append(missing, strings.TrimSpace(topic))
		}
	}
	return float64(covered) / float64(len(topics)), missing
}

func (c *Controller) coherence(text string) (float64, []string) {
	score := 1.0
	var issues []string

	var prose []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || listLine.MatchString(line) || strings.Contains(line, "|") {
			continue
		}
		prose = append(prose, line)
	}
	sentences := splitSentences(strings.Join(prose, " "))

	fragments := 0
	seen := make(map[string]bool)
	dupes := 0
	for _, s := range sentences {
		if len(strings.Fields(s)) < 3 {
			fragments++
		}
		key := strings.Join(search.Tokenize(s), " ")
		if key == "" {
			continue
		}
		if seen[key] {
			dupes++
		}
		seen[key] = true
	}
	if fragments > 0 {
		score -= math.Min(0.2, 0.05*float64(fragments))
		issues = append(issues, fmt.Sprintf("%d sentence fragment(s)", fragments))
	}
	if dupes > 0 {
		score -= math.Min(0.3, 0.1*float64(dupes))
		issues = append(issues, fmt.Sprintf("%d repeated sentence(s)", dupes))
	}

	if truncated(text) {
		score -= 0.2
		issues = append(issues, "text ends mid-sentence")
	}

	lower := " " + strings.Join(search.Tokenize(text), " ") + " "
	mixed := 0
	for _, group := range c.config.TermVariants {
		used := 0
		for _, v := range group {
			if strings.Contains(lower, " "+strings.ToLower(strings.TrimSpace(v))+" ") {
				used++
			}
		}
		if used > 1 {
			mixed++
			issues = append(issues, "inconsistent terminology: "+strings.Join(group, "/"))
		}
	}
	score -= math.Min(0.2, 0.1*float64(mixed))

	return clamp01(score), issues
}

func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// truncated reports whether the last prose line stops without terminal punctuation.
func truncated(text string) bool {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" || listLine.MatchString(last) || strings.Contains(last, "|") {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(last)
	return !strings.ContainsRune(sentenceClosers, r)
}

const sentenceClosers = `.!?:;)]"'*”’»…。！？`

func hasLetter(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
