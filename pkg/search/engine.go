package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
)

// Config controls one search call. Zero values take the defaults below.
type Config struct {
	MatchCount   int
	VectorWeight float64
	// VectorOnlyWeight defaults to VectorWeight.
	VectorOnlyWeight float64
	// KeywordOnlyWeight defaults to 1-VectorWeight and may not exceed it, so a chunk found
	// by both methods never ranks below a keyword-only match.
	KeywordOnlyWeight float64
	MaxSubQueries     int
	Threshold         ThresholdPolicy
	// Expansions are section-specific sub-queries added after the query itself.
	Expansions []string
	Synonyms   map[string][]string
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MatchCount <= 0 {
		c.MatchCount = 20
	}
	if c.VectorWeight <= 0 || c.VectorWeight >= 1 {
		c.VectorWeight = 0.7
	}
	if c.VectorOnlyWeight <= 0 {
		c.VectorOnlyWeight = c.VectorWeight
	}
	if c.KeywordOnlyWeight <= 0 {
		c.KeywordOnlyWeight = 1 - c.VectorWeight
	}
	if c.MaxSubQueries <= 0 {
		c.MaxSubQueries = 4
	}
	if c.Threshold == (ThresholdPolicy{}) {
		c.Threshold = DefaultThresholdPolicy()
	}
	return c
}

func (c Config) validate() error {
	if c.VectorOnlyWeight > 1 {
		return fmt.Errorf("vector-only weight %.2f exceeds 1", c.VectorOnlyWeight)
	}
	if c.KeywordOnlyWeight > 1-c.VectorWeight+1e-9 {
		return fmt.Errorf("keyword-only weight %.2f exceeds 1-w (%.2f)", c.KeywordOnlyWeight, 1-c.VectorWeight)
	}
	return nil
}

func (c Config) fingerprint() string {
	return fmt.Sprintf("%d|%g|%g|%g|%d|%+v|%q|%v",
		c.MatchCount, c.VectorWeight, c.VectorOnlyWeight, c.KeywordOnlyWeight,
		c.MaxSubQueries, c.Threshold, c.Expansions, c.Synonyms)
}

type EngineConfig struct {
	Store    types.VectorStore
	Embedder types.Embedder
	// Cache is optional; without it every call hits the store.
	Cache  *cache.Manager
	Logger *slog.Logger
}

// Engine runs hybrid retrieval over one vector store.
type Engine struct {
	store    types.VectorStore
	embedder types.Embedder
	cache    *cache.Manager
	logger   *slog.Logger
}

// errDegraded marks results that must not be cached.
var errDegraded = errors.New("degraded search result")

func NewWithConfig(config EngineConfig) (*Engine, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("search engine requires a vector store")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		store:    config.Store,
		embedder: config.Embedder,
		cache:    config.Cache,
		logger:   config.Logger,
	}, nil
}

// Search returns the best chunks of the case for query. Vector failures fall back to
// keyword-only retrieval; an error is returned only when neither path could run, and it
// wraps types.ErrStoreUnavailable when the store is unreachable.
func (e *Engine) Search(ctx context.Context, caseID, query string, cfg Config) ([]models.SearchResult, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid search config: %w", err)
	}

	if e.cache == nil {
		results, _, err := e.search(ctx, caseID, query, cfg)
		return results, err
	}

	key := cache.NewKey(cache.CaseScope(caseID), cache.CategorySearch, cache.NormalizeText(query), cfg.fingerprint())
	results, err := cache.Fetch(ctx, e.cache, key, func(ctx context.Context) ([]models.SearchResult, error) {
		results, degraded, err := e.search(ctx, caseID, query, cfg)
		if err == nil && degraded {
			return results, errDegraded
		}
		return results, err
	})
	if errors.Is(err, errDegraded) {
		return results, nil
	}
	return results, err
}

// search reports degraded when the vector path failed rather than being skipped.
func (e *Engine) search(ctx context.Context, caseID, query string, cfg Config) ([]models.SearchResult, bool, error) {
	vector, vectorErr := e.vectorSearch(ctx, caseID, query, cfg)
	if vectorErr != nil {
		e.logger.Warn("vector retrieval failed, using keyword search only",
			"case_id", caseID, "error", &types.RetrievalError{CaseID: caseID, Err: vectorErr})
	}

	var keyword []models.SearchResult
	terms := KeywordTerms(query)
	if len(terms) > 0 {
		var err error
		keyword, err = e.store.KeywordSearch(ctx, caseID, terms, cfg.MatchCount)
		if err != nil {
			if vectorErr != nil || vector == nil {
				if types.IsStoreUnavailable(err) || types.IsStoreUnavailable(vectorErr) {
					return nil, false, fmt.Errorf("failed to search case %s: %w", caseID, err)
				}
				return nil, false, &types.RetrievalError{CaseID: caseID, Err: errors.Join(vectorErr, err)}
			}
			e.logger.Warn("keyword retrieval failed", "case_id", caseID, "error", err)
			keyword = nil
		}
	}

	results := Fuse(vector, keyword, cfg)
	e.logger.Debug("search complete",
		"case_id", caseID, "vector", len(vector), "keyword", len(keyword), "results", len(results))
	return results, vectorErr != nil, nil
}

// vectorSearch returns nil results and nil error when the case has nothing embedded yet.
func (e *Engine) vectorSearch(ctx context.Context, caseID, query string, cfg Config) ([]models.SearchResult, error) {
	if e.embedder == nil {
		return nil, nil
	}
	_, embedded, err := e.store.CountChunks(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if embedded == 0 {
		return nil, nil
	}

	threshold := cfg.Threshold.Effective(embedded)
	queries := SubQueries(query, cfg.Expansions, cfg.Synonyms, cfg.MaxSubQueries)
	vectors := e.embedder.EmbedBatch(ctx, queries)

	var (
		results []models.SearchResult
		errs    []error
	)
	for i, v := range vectors {
		found, err := e.store.SimilaritySearch(ctx, caseID, v, threshold, cfg.MatchCount)
		if err != nil {
			errs = append(errs, fmt.Errorf("sub-query %q: %w", queries[i], err))
			continue
		}
		results = append(results, found...)
	}
	if len(errs) == len(vectors) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		e.logger.Warn("some sub-queries failed", "case_id", caseID, "failed", len(errs), "total", len(vectors))
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return results, nil
}
