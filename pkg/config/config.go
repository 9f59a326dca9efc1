package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second
	Burst     int           `yaml:"burst"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type CacheTTLConfig struct {
	Embedding time.Duration `yaml:"embedding"`
	Search    time.Duration `yaml:"search"`
	Chunks    time.Duration `yaml:"chunks"`
	Prompt    time.Duration `yaml:"prompt"`
}

type CacheConfig struct {
	Namespace    string         `yaml:"namespace"`
	L1MaxEntries int            `yaml:"l1_max_entries"`
	L1MaxBytes   int64          `yaml:"l1_max_bytes"`
	RedisURL     string         `yaml:"redis_url"`
	TTL          CacheTTLConfig `yaml:"ttl"`
}

type ClassifierConfig struct {
	DirectMaxChars int      `yaml:"direct_max_chars"`
	HybridMaxChars int      `yaml:"hybrid_max_chars"`
	DomainTerms    []string `yaml:"domain_terms"`
}

// ChunkerConfig leaves ChunkOverlap and BoundaryWindow nil when unset so that an
// explicit 0 survives defaulting.
type ChunkerConfig struct {
	ChunkSize      int  `yaml:"chunk_size"`
	ChunkOverlap   *int `yaml:"chunk_overlap"`
	BoundaryWindow *int `yaml:"boundary_window"`
}

func (c ChunkerConfig) Overlap() int {
	if c.ChunkOverlap == nil {
		return defaultChunkOverlap
	}
	return *c.ChunkOverlap
}

func (c ChunkerConfig) Window() int {
	if c.BoundaryWindow == nil {
		return defaultBoundaryWindow
	}
	return *c.BoundaryWindow
}

const (
	defaultChunkOverlap   = 200
	defaultBoundaryWindow = 200
)

type ThresholdConfig struct {
	Base      float64 `yaml:"base"`
	Relax     float64 `yaml:"relax"`
	Tighten   float64 `yaml:"tighten"`
	SmallPool int     `yaml:"small_pool"`
	LargePool int     `yaml:"large_pool"`
}

type SearchConfig struct {
	MatchCount        int                 `yaml:"match_count"`
	VectorWeight      float64             `yaml:"vector_weight"`
	VectorOnlyWeight  float64             `yaml:"vector_only_weight"`
	KeywordOnlyWeight float64             `yaml:"keyword_only_weight"`
	MaxSubQueries     int                 `yaml:"max_sub_queries"`
	Threshold         ThresholdConfig     `yaml:"threshold"`
	Synonyms          map[string][]string `yaml:"synonyms"`
}

type QualityWeights struct {
	Consistency  float64 `yaml:"consistency"`
	Completeness float64 `yaml:"completeness"`
	Coherence    float64 `yaml:"coherence"`
}

type QualityConfig struct {
	Threshold    float64        `yaml:"threshold"`
	Weights      QualityWeights `yaml:"weights"`
	TermVariants [][]string     `yaml:"term_variants"`
}

type OrchestratorConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	SectionTimeout  time.Duration `yaml:"section_timeout"`
	MaxContextChars int           `yaml:"max_context_chars"`
	ManifestPath    string        `yaml:"manifest_path"`
}

type JobsConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
	// ResumeInterval is how often the server re-queues embedding for degraded documents.
	ResumeInterval time.Duration `yaml:"resume_interval"`
	// StaleAfter is how long a document may stay processing before it can be retried.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Database     DatabaseConfig     `yaml:"database"`
	Cache        CacheConfig        `yaml:"cache"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Search       SearchConfig       `yaml:"search"`
	Quality      QualityConfig      `yaml:"quality"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	loadDotEnv()

	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/dossier/config.yaml"),
			"/etc/dossier/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

// MustValidate returns the validation errors joined into one error, or nil.
func (c *Config) MustValidate() error {
	verrs := c.Validate()
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, len(verrs))
	for i, e := range verrs {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

// Default returns a configuration with every default applied and no environment merged.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

// loadDotEnv is best-effort; a missing .env is not an error and existing variables win.
func loadDotEnv() {
	for _, p := range []string{".env", "cmd/.env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.3
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 2 * time.Minute
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = config.LLM.Provider
	}
	if config.Embedding.Model == "" {
		if config.Embedding.Provider == "openai" {
			config.Embedding.Model = "text-embedding-3-small"
		} else {
			config.Embedding.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 768
	}
	if config.Embedding.RateLimit == 0 {
		config.Embedding.RateLimit = 10
	}
	if config.Embedding.Burst == 0 {
		config.Embedding.Burst = 4
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 32
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}

	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 10
	}

	if config.Cache.Namespace == "" {
		config.Cache.Namespace = "dossier"
	}
	if config.Cache.L1MaxEntries == 0 {
		config.Cache.L1MaxEntries = 4096
	}
	if config.Cache.L1MaxBytes == 0 {
		config.Cache.L1MaxBytes = 64 << 20
	}
	if config.Cache.TTL.Embedding == 0 {
		config.Cache.TTL.Embedding = 7 * 24 * time.Hour
	}
	if config.Cache.TTL.Search == 0 {
		config.Cache.TTL.Search = 5 * time.Minute
	}
	if config.Cache.TTL.Chunks == 0 {
		config.Cache.TTL.Chunks = time.Hour
	}
	if config.Cache.TTL.Prompt == 0 {
		config.Cache.TTL.Prompt = 30 * time.Minute
	}

	if config.Classifier.DirectMaxChars == 0 {
		config.Classifier.DirectMaxChars = 50_000
	}
	if config.Classifier.HybridMaxChars == 0 {
		config.Classifier.HybridMaxChars = 200_000
	}
	if len(config.Classifier.DomainTerms) == 0 {
		config.Classifier.DomainTerms = []string{
			"diagnosis", "medical", "treatment", "claimant", "employment",
			"income", "assessment", "incident", "report", "evidence",
		}
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 1000
	}
	if config.Chunker.ChunkOverlap == nil {
		config.Chunker.ChunkOverlap = intPtr(defaultChunkOverlap)
	}
	if config.Chunker.BoundaryWindow == nil {
		config.Chunker.BoundaryWindow = intPtr(defaultBoundaryWindow)
	}

	if config.Search.MatchCount == 0 {
		config.Search.MatchCount = 10
	}
	if config.Search.VectorWeight == 0 {
		config.Search.VectorWeight = 0.7
	}
	if config.Search.VectorOnlyWeight == 0 {
		config.Search.VectorOnlyWeight = config.Search.VectorWeight
	}
	if config.Search.KeywordOnlyWeight == 0 {
		config.Search.KeywordOnlyWeight = 1 - config.Search.VectorWeight
	}
	if config.Search.MaxSubQueries == 0 {
		config.Search.MaxSubQueries = 4
	}
	if config.Search.Threshold.Base == 0 {
		config.Search.Threshold.Base = 0.5
	}
	if config.Search.Threshold.Relax == 0 {
		config.Search.Threshold.Relax = 0.2
	}
	if config.Search.Threshold.Tighten == 0 {
		config.Search.Threshold.Tighten = 0.15
	}
	if config.Search.Threshold.SmallPool == 0 {
		config.Search.Threshold.SmallPool = 20
	}
	if config.Search.Threshold.LargePool == 0 {
		config.Search.Threshold.LargePool = 5000
	}

	if config.Quality.Threshold == 0 {
		config.Quality.Threshold = 0.6
	}
	if config.Quality.Weights == (QualityWeights{}) {
		config.Quality.Weights = QualityWeights{Consistency: 0.4, Completeness: 0.35, Coherence: 0.25}
	}

	if config.Orchestrator.MaxWorkers == 0 {
		config.Orchestrator.MaxWorkers = 4
	}
	if config.Orchestrator.SectionTimeout == 0 {
		config.Orchestrator.SectionTimeout = 3 * time.Minute
	}
	if config.Orchestrator.MaxContextChars == 0 {
		config.Orchestrator.MaxContextChars = 24_000
	}

	if config.Jobs.Workers == 0 {
		config.Jobs.Workers = 2
	}
	if config.Jobs.MaxAttempts == 0 {
		config.Jobs.MaxAttempts = 3
	}
	if config.Jobs.ResumeInterval == 0 {
		config.Jobs.ResumeInterval = 5 * time.Minute
	}
	if config.Jobs.StaleAfter == 0 {
		config.Jobs.StaleAfter = 10 * time.Minute
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if provider := os.Getenv("DOSSIER_LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Cache.RedisURL = redisURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
	if level := os.Getenv("DOSSIER_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if workers := os.Getenv("DOSSIER_MAX_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			config.Orchestrator.MaxWorkers = n
		}
	}
}

func intPtr(n int) *int { return &n }
