package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xhad/dossier/pkg/ingest"
)

var (
	ingestCase      string
	ingestURLs      []string
	ingestRateLimit float64
	ingestSkipEmbed bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents into a case",
	Long: `Reads text, markdown or HTML files (or fetches URLs), classifies and chunks
them and stores the chunks for the case. Documents that need embeddings are
embedded before the command returns unless --skip-embed is set.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestCase, "case", "c", "", "case id (required)")
	ingestCmd.Flags().StringSliceVarP(&ingestURLs, "url", "u", nil, "URL to fetch and ingest (repeatable)")
	ingestCmd.Flags().Float64Var(&ingestRateLimit, "rate-limit", 2, "URL fetches per second")
	ingestCmd.Flags().BoolVar(&ingestSkipEmbed, "skip-embed", false, "leave embedding to a running server")
	_ = ingestCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && len(ingestURLs) == 0 {
		return fmt.Errorf("nothing to ingest: pass files or --url")
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, appOptions{Offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	results, err := ingestAll(ctx, a.pipeline, out, ingestCase, args, ingestURLs)
	if err != nil {
		return err
	}

	if !ingestSkipEmbed {
		if err := embedAll(ctx, a.pipeline, out, results); err != nil {
			return err
		}
	}

	for _, res := range results {
		d := res.Document
		fmt.Fprintf(out, "%s  %-32s %-8s %s chunks=%d\n",
			faint(d.ID), d.Title, d.Strategy, statusColor(string(d.Status)), res.Chunks)
	}
	return nil
}

// ingestAll ingests files and URLs in order. A failed document is reported and skipped.
func ingestAll(ctx context.Context, p *ingest.Pipeline, out io.Writer, caseID string, files, urls []string) ([]ingest.Result, error) {
	fetcher := ingest.NewFetcher(ingest.FetcherConfig{RateLimit: ingestRateLimit})

	bar := getProgressBar(out, len(files)+len(urls), "Ingesting documents...")
	defer bar.Finish()

	var results []ingest.Result
	add := func(req ingest.Request, err error) {
		if err == nil {
			var res ingest.Result
			res, err = p.Ingest(ctx, req)
			if err == nil {
				results = append(results, res)
			}
		}
		if err != nil {
			fmt.Fprintf(out, "\n%s %s: %v\n", failed("✗"), req.Title, err)
		}
		_ = bar.Add(1)
	}

	for _, path := range files {
		add(fileRequest(caseID, path))
	}
	for _, u := range urls {
		req, err := fetcher.Fetch(ctx, caseID, u)
		if req.Title == "" {
			req.Title = u
		}
		add(req, err)
	}
	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

func fileRequest(caseID, path string) (ingest.Request, error) {
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Request{Title: title}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ingest.Request{
		CaseID:      caseID,
		Title:       title,
		Text:        string(data),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Source:      path,
	}, nil
}

// embedAll embeds the documents that were left degraded.
func embedAll(ctx context.Context, p *ingest.Pipeline, out io.Writer, results []ingest.Result) error {
	var pending []int
	for i, res := range results {
		if res.Document.Degraded {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	bar := getProgressBar(out, len(pending), "Embedding documents...")
	defer bar.Finish()
	for _, i := range pending {
		id := results[i].Document.ID
		if err := p.EmbedDocument(ctx, id); err != nil {
			return fmt.Errorf("failed to embed document %s: %w", id, err)
		}
		results[i].Document.Degraded = false
		_ = bar.Add(1)
	}
	return nil
}
