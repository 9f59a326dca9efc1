package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/pkg/cache"
	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/pkg/jobs"
	"github.com/xhad/dossier/pkg/orchestrator"
	"github.com/xhad/dossier/pkg/search"
)

// Ingester is the document boundary; *ingest.Pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
	Retry(ctx context.Context, docID string) (ingest.Result, error)
	Delete(ctx context.Context, docID string) error
}

// Reports is the report boundary; *orchestrator.Orchestrator implements it.
type Reports interface {
	StartReport(ctx context.Context, caseID string, m orchestrator.Manifest) (string, error)
	GetReport(ctx context.Context, reportID string) (models.Report, error)
	GetReportStatus(ctx context.Context, reportID string) (orchestrator.Status, error)
	Watch(reportID string) (<-chan orchestrator.Event, func())
	RegenerateSection(ctx context.Context, reportID, sectionID string) (models.ReportSection, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Port         string
	Ingest       Ingester
	Search       orchestrator.Searcher
	SearchConfig search.Config
	Reports      Reports
	// Manifests are the report layouts clients may request by name. The first one is the default.
	Manifests []orchestrator.Manifest
	Cache     *cache.Manager
	Jobs      *jobs.Queue
	// Health lists the dependencies checked by GET /health, by name.
	Health map[string]Pinger
	Logger *slog.Logger
}

type Server struct {
	config Config
	logger *slog.Logger
	engine *gin.Engine
}

func New(config Config) (*Server, error) {
	if config.Ingest == nil || config.Search == nil || config.Reports == nil {
		return nil, errors.New("server requires ingest, search and reports")
	}
	if len(config.Manifests) == 0 {
		config.Manifests = []orchestrator.Manifest{orchestrator.DefaultManifest()}
	}
	for _, m := range config.Manifests {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest %q: %w", m.Name, err)
		}
	}
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{config: config, logger: config.Logger}
	s.engine = s.newEngine()
	return s, nil
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              Addr(s.config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Addr returns a normalized listen address for the given port.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(requestLogger(s.logger), gin.Recovery())
	s.registerRoutes(engine)
	return engine
}

func (s *Server) manifest(name string) (orchestrator.Manifest, bool) {
	if name == "" {
		return s.config.Manifests[0], true
	}
	for _, m := range s.config.Manifests {
		if m.Name == name {
			return m, true
		}
	}
	return orchestrator.Manifest{}, false
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
