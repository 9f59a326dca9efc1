package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xhad/dossier/internal/models"
)

var (
	searchCase  string
	searchLimit int
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the documents of a case",
	Long: `Runs hybrid retrieval over the chunks of a case: vector similarity with an
adaptive threshold fused with keyword matches. Falls back to keyword search
when no embeddings are available.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchCase, "case", "c", "", "case id (required)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	_ = searchCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{Offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	sc := a.searchConfig()
	sc.MatchCount = searchLimit
	results, err := a.search.Search(ctx, searchCase, args[0], sc)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	printResults(cmd, results)
	return nil
}

func printResults(cmd *cobra.Command, results []models.SearchResult) {
	if len(results) == 0 {
		cmd.Println("No results found.")
		return
	}
	for i, r := range results {
		cmd.Printf("[%d] %s %s\n", i+1, heading(r.Chunk.Header), faint(fmt.Sprintf("(%.3f %s)", r.Score, r.Method)))
		cmd.Printf("    %s\n\n", snippet(r.Chunk.Text, 200))
	}
}

// snippet flattens whitespace and cuts text to at most n runes.
func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "…"
}
