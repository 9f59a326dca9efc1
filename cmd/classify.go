package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/pkg/classifier"
)

var classifyJSON bool

var classifyCmd = &cobra.Command{
	Use:   "classify [file...]",
	Short: "Show the processing strategy chosen for documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(classifyCmd)
}

type classification struct {
	File string `json:"file"`
	classifier.Result
}

func runClassify(cmd *cobra.Command, args []string) error {
	c := classifier.NewWithConfig(classifier.ClassifierConfig{
		DirectMaxChars: cfg.Classifier.DirectMaxChars,
		HybridMaxChars: cfg.Classifier.HybridMaxChars,
		DomainTerms:    cfg.Classifier.DomainTerms,
	})

	out := make([]classification, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		res, err := c.Classify(models.Document{ID: filepath.Base(path), Content: string(data)})
		if err != nil {
			return err
		}
		out = append(out, classification{File: path, Result: res})
	}

	if classifyJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	for _, r := range out {
		cmd.Printf("%s\n  strategy %s  confidence %.2f  length %d  terms/1k %.1f",
			heading(r.File), r.Strategy, r.Confidence, r.Length, r.TermDensity)
		if r.Structured {
			cmd.Print("  structured")
		}
		cmd.Println()
	}
	return nil
}
