package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.BaseURL == "" {
			add("llm.base_url", "Ollama base URL is required")
		} else if !validURL(c.LLM.BaseURL) {
			add("llm.base_url", "invalid Ollama base URL")
		}
	case "openai":
		if c.LLM.APIKey == "" {
			add("llm.api_key", "api_key is required for the openai provider")
		}
	default:
		add("llm.provider", "unknown provider %q", c.LLM.Provider)
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 32768 {
		add("llm.max_tokens", "max_tokens must be between 1 and 32768")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}

	// Validate Embedding config
	if c.Embedding.Dimension < 1 {
		add("embedding.dimension", "dimension must be positive")
	}
	if c.Embedding.RateLimit <= 0 {
		add("embedding.rate_limit", "rate_limit must be positive")
	}
	if c.Embedding.BatchSize < 1 {
		add("embedding.batch_size", "batch_size must be positive")
	}

	// Validate Database config
	if c.Database.URL != "" {
		u, err := url.Parse(c.Database.URL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			add("database.url", "invalid database URL")
		}
	}

	// Validate Cache config
	if c.Cache.L1MaxEntries < 1 {
		add("cache.l1_max_entries", "l1_max_entries must be positive")
	}
	if c.Cache.RedisURL != "" && !strings.HasPrefix(c.Cache.RedisURL, "redis://") && !strings.HasPrefix(c.Cache.RedisURL, "rediss://") {
		add("cache.redis_url", "redis_url must use the redis:// or rediss:// scheme")
	}
	if strings.Contains(c.Cache.Namespace, ":") {
		add("cache.namespace", "namespace must not contain ':'")
	}

	// Validate Classifier config
	if c.Classifier.DirectMaxChars < 1 || c.Classifier.DirectMaxChars >= c.Classifier.HybridMaxChars {
		add("classifier.direct_max_chars", "direct_max_chars must be positive and less than hybrid_max_chars")
	}

	// Validate Chunker config
	if c.Chunker.ChunkSize < 1 {
		add("chunker.chunk_size", "chunk_size must be positive")
	}
	if o := c.Chunker.Overlap(); o < 0 || o+4 > c.Chunker.ChunkSize {
		add("chunker.chunk_overlap", "chunk_overlap must be non-negative and leave room for progress within chunk_size")
	}
	if c.Chunker.Window() < 0 {
		add("chunker.boundary_window", "boundary_window must be non-negative")
	}

	// Validate Search config
	w := c.Search.VectorWeight
	if w <= 0 || w >= 1 {
		add("search.vector_weight", "vector_weight must be in (0, 1)")
	}
	if c.Search.KeywordOnlyWeight < 0 || c.Search.KeywordOnlyWeight > 1-w+1e-9 {
		add("search.keyword_only_weight", "keyword_only_weight must be in [0, 1-vector_weight]")
	}
	if c.Search.VectorOnlyWeight < 0 || c.Search.VectorOnlyWeight > 1 {
		add("search.vector_only_weight", "vector_only_weight must be in [0, 1]")
	}
	if c.Search.MatchCount < 1 {
		add("search.match_count", "match_count must be positive")
	}
	if c.Search.MaxSubQueries < 1 {
		add("search.max_sub_queries", "max_sub_queries must be positive")
	}
	t := c.Search.Threshold
	if t.Base < 0 || t.Base > 1 || t.Base-t.Relax < 0 || t.Base+t.Tighten > 1 {
		add("search.threshold", "threshold range must stay within [0, 1]")
	}
	if t.SmallPool < 1 || t.LargePool <= t.SmallPool {
		add("search.threshold.large_pool", "large_pool must exceed small_pool")
	}

	// Validate Quality config
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		add("quality.threshold", "threshold must be between 0 and 1")
	}
	qw := c.Quality.Weights
	if qw.Consistency < 0 || qw.Completeness < 0 || qw.Coherence < 0 || qw.Consistency+qw.Completeness+qw.Coherence == 0 {
		add("quality.weights", "weights must be non-negative with a positive sum")
	}

	// Validate Orchestrator config
	if c.Orchestrator.MaxWorkers < 1 {
		add("orchestrator.max_workers", "max_workers must be positive")
	}
	if c.Orchestrator.SectionTimeout <= 0 {
		add("orchestrator.section_timeout", "section_timeout must be positive")
	}

	if c.Jobs.Workers < 1 {
		add("jobs.workers", "workers must be positive")
	}
	if c.Jobs.ResumeInterval <= 0 {
		add("jobs.resume_interval", "resume_interval must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "unknown log level %q", c.Log.Level)
	}

	return errors
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
