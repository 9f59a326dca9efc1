package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xhad/dossier/pkg/ingest"
	"github.com/xhad/dossier/server"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	Long: `Serves document ingestion, case search and report generation over HTTP.
Report progress is streamed over a WebSocket per report. Embeddings are
computed by background workers.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{Offline: offline, Queue: true})
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(nil)
	if err != nil {
		return err
	}
	manifests, err := a.manifests()
	if err != nil {
		return err
	}

	port := cfg.Server.Port
	if servePort != "" {
		port = servePort
	}
	srv, err := server.New(server.Config{
		Port:         port,
		Ingest:       a.pipeline,
		Search:       a.search,
		SearchConfig: a.searchConfig(),
		Reports:      orch,
		Manifests:    manifests,
		Cache:        a.cache,
		Jobs:         a.queue,
		Health:       a.health,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	a.queue.Start(ctx)
	defer a.queue.Stop()
	go resumeEmbeddings(ctx, a.pipeline, cfg.Jobs.ResumeInterval, a.logger)

	err = srv.Run(ctx)

	// let running reports settle before connections close
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.SectionTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		a.logger.Warn("reports still running at shutdown")
	}
	return err
}

// resumeEmbeddings re-queues degraded documents at startup and then every interval, so that
// embedding jobs lost to a restart or dropped after their last attempt run again.
func resumeEmbeddings(ctx context.Context, p *ingest.Pipeline, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.ResumeEmbeddings(ctx); err != nil {
			logger.Warn("failed to resume embeddings", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
