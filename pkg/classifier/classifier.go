package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

type ClassifierConfig struct {
	// DirectMaxChars is T1: documents shorter than this are sent to the LLM whole.
	DirectMaxChars int
	// HybridMaxChars is T2: documents at or above this need full retrieval.
	HybridMaxChars int
	DomainTerms    []string
	Logger         *slog.Logger
}

// Result is the outcome of classifying one document.
type Result struct {
	Strategy   models.Strategy `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Length     int             `json:"length"`
	// TermDensity is domain terms per thousand words.
	TermDensity float64 `json:"term_density"`
	Structured  bool    `json:"structured"`
	Defaulted   bool    `json:"defaulted,omitempty"`
}

type Classifier struct {
	config ClassifierConfig
	terms  []string
	logger *slog.Logger
}

func NewWithConfig(config ClassifierConfig) *Classifier {
	if config.DirectMaxChars == 0 {
		config.DirectMaxChars = 50_000
	}
	if config.HybridMaxChars == 0 {
		config.HybridMaxChars = 200_000
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	terms := make([]string, 0, len(config.DomainTerms))
	for _, t := range config.DomainTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &Classifier{config: config, terms: terms, logger: config.Logger}
}

// Classify selects the processing strategy for a document from its length and lexical indicators.
func (c *Classifier) Classify(doc models.Document) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.ClassificationError{DocumentID: doc.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if c.config.DirectMaxChars <= 0 || c.config.HybridMaxChars <= c.config.DirectMaxChars {
		return Result{}, &types.ClassificationError{
			DocumentID: doc.ID,
			Err:        fmt.Errorf("invalid thresholds %d/%d", c.config.DirectMaxChars, c.config.HybridMaxChars),
		}
	}
	if !utf8.ValidString(doc.Content) {
		return Result{}, &types.ClassificationError{DocumentID: doc.ID, Err: errors.New("content is not valid UTF-8")}
	}

	length := utf8.RuneCountInString(doc.Content)
	density := c.termDensity(doc.Content)
	structured := structuredRatio(doc.Content) > 0.3

	t1, t2 := float64(c.config.DirectMaxChars), float64(c.config.HybridMaxChars)
	l := float64(length)

	res = Result{Length: length, TermDensity: density, Structured: structured}
	switch {
	case length < c.config.DirectMaxChars:
		res.Strategy = models.StrategyDirect
		res.Confidence = margin((t1 - l) / t1)
	case length < c.config.HybridMaxChars:
		res.Strategy = models.StrategyHybrid
		// distance to the nearest threshold, relative to the band
		res.Confidence = margin(math.Min(l-t1, t2-l) / ((t2 - t1) / 2))
	default:
		res.Strategy = models.StrategyFullRAG
		res.Confidence = margin((l - t2) / t2)
	}

	// Dense domain vocabulary and tabular content both favour retrieval.
	if res.Strategy != models.StrategyDirect {
		if density >= 5 {
			res.Confidence += 0.1
		}
		if structured {
			res.Confidence += 0.05
		}
	}
	res.Confidence = math.Min(1, res.Confidence)
	return res, nil
}

// ClassifyOrDefault never fails: on error the document falls back to the hybrid strategy.
func (c *Classifier) ClassifyOrDefault(doc models.Document) Result {
	res, err := c.Classify(doc)
	if err != nil {
		c.logger.Warn("classification failed, defaulting to hybrid", "document_id", doc.ID, "error", err)
		return Result{
			Strategy:  models.StrategyHybrid,
			Length:    utf8.RuneCountInString(doc.Content),
			Defaulted: true,
		}
	}
	return res
}

// margin maps a relative distance in [0, inf) to a confidence in [0.5, 1).
func margin(d float64) float64 {
	if d < 0 {
		d = 0
	}
	return 0.5 + 0.5*(1-math.Exp(-3*d))
}

func (c *Classifier) termDensity(text string) float64 {
	if len(c.terms) == 0 {
		return 0
	}
	words, hits := 0, 0
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		words++
		lw := strings.ToLower(w)
		for _, t := range c.terms {
			if lw == t {
				hits++
				break
			}
		}
	}
	if words == 0 {
		return 0
	}
	return float64(hits) * 1000 / float64(words)
}

func structuredRatio(text string) float64 {
	lines, structured := 0, 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines++
		if strings.Count(line, "|") >= 2 || strings.Contains(line, "\t") ||
			strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			structured++
		}
	}
	if lines == 0 {
		return 0
	}
	return float64(structured) / float64(lines)
}
