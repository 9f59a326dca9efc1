package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xhad/dossier/internal/types"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/chunker"
	"github.com/xhad/dossier/pkg/classifier"
	cfgPkg "github.com/xhad/dossier/pkg/config"
	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/pkg/jobs"
	"github.com/xhad/dossier/pkg/llm"
	"github.com/xhad/dossier/pkg/orchestrator"
	"github.com/xhad/dossier/pkg/prompt"
	"github.com/xhad/dossier/pkg/quality"
	"github.com/xhad/dossier/pkg/search"
	"github.com/xhad/dossier/pkg/store"
	"github.com/xhad/dossier/server"
)

type appOptions struct {
	// Offline runs the embedding client without a provider.
	Offline bool
	// Queue starts a job queue for background embedding.
	Queue bool
}

// app holds the components shared by the commands.
type app struct {
	config *cfgPkg.Config
	logger *slog.Logger

	store      types.VectorStore
	repo       types.ReportRepository
	cache      *cache.Manager
	embedder   *llm.EmbeddingClient
	classifier *classifier.Classifier
	pipeline   *ingest.Pipeline
	search     *search.Engine
	queue      *jobs.Queue
	health     map[string]server.Pinger

	closers []func()
}

func newApp(ctx context.Context, config *cfgPkg.Config, opts appOptions) (*app, error) {
	a := &app{
		config: config,
		logger: slog.Default(),
		health: make(map[string]server.Pinger),
	}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	c := a.config

	var shared types.SharedCache
	if c.Cache.RedisURL != "" {
		rc, err := cache.NewRedisCache(c.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.health["redis"] = rc
		shared = rc
	}
	m, err := cache.NewWithConfig(cache.ManagerConfig{
		Namespace:    c.Cache.Namespace,
		L1MaxEntries: c.Cache.L1MaxEntries,
		L1MaxBytes:   c.Cache.L1MaxBytes,
		TTL: map[cache.Category]time.Duration{
			cache.CategoryEmbedding: c.Cache.TTL.Embedding,
			cache.CategorySearch:    c.Cache.TTL.Search,
			cache.CategoryChunks:    c.Cache.TTL.Chunks,
			cache.CategoryPrompt:    c.Cache.TTL.Prompt,
		},
		Shared: shared,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	a.cache = m

	if err := a.openStore(ctx); err != nil {
		return err
	}

	ecfg := llm.EmbedderConfig{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		BaseURL:   c.Embedding.BaseURL,
		APIKey:    c.LLM.APIKey,
		Dimension: c.Embedding.Dimension,
		RateLimit: c.Embedding.RateLimit,
		Burst:     c.Embedding.Burst,
		BatchSize: c.Embedding.BatchSize,
		Timeout:   c.Embedding.Timeout,
		Cache:     m,
		Logger:    a.logger,
	}
	var provider types.EmbeddingProvider
	if !opts.Offline {
		provider, err = llm.NewEmbeddingProvider(ecfg)
		if err != nil {
			return err
		}
	}
	a.embedder = llm.NewEmbeddingClient(provider, ecfg)

	a.classifier = classifier.NewWithConfig(classifier.ClassifierConfig{
		DirectMaxChars: c.Classifier.DirectMaxChars,
		HybridMaxChars: c.Classifier.HybridMaxChars,
		DomainTerms:    c.Classifier.DomainTerms,
		Logger:         a.logger,
	})
	ch, err := chunker.NewWithConfig(chunker.Options{
		MaxSize:        c.Chunker.ChunkSize,
		Overlap:        c.Chunker.Overlap(),
		BoundaryWindow: c.Chunker.Window(),
	})
	if err != nil {
		return fmt.Errorf("invalid chunker config: %w", err)
	}

	var enq ingest.Enqueuer
	if opts.Queue {
		a.queue = jobs.NewWithConfig(jobs.QueueConfig{
			Workers:     c.Jobs.Workers,
			MaxAttempts: c.Jobs.MaxAttempts,
			Logger:      a.logger,
		})
		enq = a.queue
	}
	a.pipeline, err = ingest.NewWithConfig(ingest.PipelineConfig{
		Store:          a.store,
		Classifier:     a.classifier,
		Chunker:        ch,
		Embedder:       a.embedder,
		Queue:          enq,
		Cache:          m,
		EmbedBatchSize: c.Embedding.BatchSize,
		StaleAfter:     c.Jobs.StaleAfter,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	if a.queue != nil {
		a.pipeline.Register(a.queue)
	}

	a.search, err = search.NewWithConfig(search.EngineConfig{
		Store:    a.store,
		Embedder: a.embedder,
		Cache:    m,
		Logger:   a.logger,
	})
	return err
}

// openStore uses Postgres when a database is configured and the in-memory store otherwise.
func (a *app) openStore(ctx context.Context) error {
	c := a.config
	if c.Database.URL == "" {
		a.logger.Warn("no database configured, documents and reports are kept in memory")
		a.store = store.NewMemoryStore()
		a.repo = orchestrator.NewMemoryRepo()
		return nil
	}

	vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: c.Database.URL,
		VectorDim:  c.Embedding.Dimension,
		MaxConns:   int32(c.Database.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	a.closers = append(a.closers, vs.Close)
	a.store = vs
	a.health["database"] = vs

	db, err := store.OpenDB(ctx, c.Database.URL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	a.repo = &orchestrator.PGRepo{DB: db}
	return nil
}

func (a *app) searchConfig() search.Config {
	s := a.config.Search
	return search.Config{
		MatchCount:        s.MatchCount,
		VectorWeight:      s.VectorWeight,
		VectorOnlyWeight:  s.VectorOnlyWeight,
		KeywordOnlyWeight: s.KeywordOnlyWeight,
		MaxSubQueries:     s.MaxSubQueries,
		Threshold: search.ThresholdPolicy{
			Base:      s.Threshold.Base,
			Relax:     s.Threshold.Relax,
			Tighten:   s.Threshold.Tighten,
			SmallPool: s.Threshold.SmallPool,
			LargePool: s.Threshold.LargePool,
		},
		Synonyms: s.Synonyms,
	}
}

// manifests returns the configured manifest, if any, followed by the built-in one.
func (a *app) manifests() ([]orchestrator.Manifest, error) {
	ms := []orchestrator.Manifest{orchestrator.DefaultManifest()}
	if path := a.config.Orchestrator.ManifestPath; path != "" {
		m, err := orchestrator.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if m.Name == ms[0].Name {
			ms[0] = m
		} else {
			ms = append([]orchestrator.Manifest{m}, ms...)
		}
	}
	return ms, nil
}

// orchestrator builds the report orchestrator. gen overrides the configured LLM when set.
func (a *app) orchestrator(gen types.Generator) (*orchestrator.Orchestrator, error) {
	c := a.config
	if gen == nil {
		g, err := llm.NewGeneratorWithConfig(llm.GeneratorConfig{
			Provider:    c.LLM.Provider,
			Model:       c.LLM.Model,
			BaseURL:     c.LLM.BaseURL,
			APIKey:      c.LLM.APIKey,
			Temperature: c.LLM.Temperature,
			MaxTokens:   c.LLM.MaxTokens,
			Timeout:     c.LLM.Timeout,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize generator: %w", err)
		}
		gen = llm.WithRetry(g, 0, a.logger)
	}

	o, err := orchestrator.NewWithConfig(orchestrator.Config{
		Search:    a.search,
		Generator: gen,
		Store:     a.store,
		Prompts:   prompt.NewWithConfig(prompt.BuilderConfig{MaxContextChars: c.Orchestrator.MaxContextChars}),
		Quality: quality.NewWithConfig(quality.ControllerConfig{
			Threshold: c.Quality.Threshold,
			Weights: quality.Weights{
				Consistency:  c.Quality.Weights.Consistency,
				Completeness: c.Quality.Weights.Completeness,
				Coherence:    c.Quality.Weights.Coherence,
			},
			TermVariants: c.Quality.TermVariants,
			Logger:       a.logger,
		}),
		Repo:           a.repo,
		Cache:          a.cache,
		SearchConfig:   a.searchConfig(),
		Generate:       types.GenerateOptions{Temperature: c.LLM.Temperature, MaxTokens: c.LLM.MaxTokens},
		MaxWorkers:     c.Orchestrator.MaxWorkers,
		SectionTimeout: c.Orchestrator.SectionTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}

	ms, err := a.manifests()
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		if err := o.RegisterManifest(m); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
