package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/pkg/orchestrator"
)

var (
	reportCase     string
	reportManifest string
	reportOutput   string
)

var reportCmd = &cobra.Command{
	Use:   "report [file...]",
	Short: "Generate a case report",
	Long: `Generates a report for a case from the configured manifest. Files given as
arguments are ingested into the case first, which makes the command usable
without a database.`,
	RunE: runReport,
}

var reportShowCmd = &cobra.Command{
	Use:   "show [report-id]",
	Short: "Show the status and content of a stored report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportShow,
}

var reportRegenerateCmd = &cobra.Command{
	Use:   "regenerate [report-id] [section-id]",
	Short: "Regenerate one section of a finished report",
	Args:  cobra.ExactArgs(2),
	RunE:  runReportRegenerate,
}

func init() {
	reportCmd.Flags().StringVarP(&reportCase, "case", "c", "", "case id (required)")
	reportCmd.Flags().StringVarP(&reportManifest, "manifest", "m", "", "manifest name (default: the configured manifest)")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "write the markdown report to this file")
	_ = reportCmd.MarkFlagRequired("case")
	reportShowCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "write the markdown report to this file")

	reportCmd.AddCommand(reportShowCmd, reportRegenerateCmd)
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{Offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		results, err := ingestAll(ctx, a.pipeline, out, reportCase, args, nil)
		if err != nil {
			return err
		}
		if err := embedAll(ctx, a.pipeline, out, results); err != nil {
			return err
		}
	}

	orch, err := a.orchestrator(nil)
	if err != nil {
		return err
	}
	m, err := pickManifest(a, reportManifest)
	if err != nil {
		return err
	}

	spinner := getSpinner(out, "Generating report...")
	report, err := orch.Run(ctx, reportCase, m)
	_ = spinner.Finish()
	fmt.Fprintln(out)
	if err != nil && report == nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	return printReport(out, *report, reportOutput)
}

func runReportShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{Offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.repo.GetReport(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load report %s: %w", args[0], err)
	}
	return printReport(cmd.OutOrStdout(), report, reportOutput)
}

func runReportRegenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{Offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(nil)
	if err != nil {
		return err
	}
	sec, err := orch.RegenerateSection(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to regenerate section %s: %w", args[1], err)
	}
	cmd.Printf("%s %s\n", heading(sec.Title), statusColor(string(sec.Status)))
	if sec.Reason != "" {
		cmd.Printf("  %s\n", faint(sec.Reason))
	}
	return nil
}

func pickManifest(a *app, name string) (orchestrator.Manifest, error) {
	ms, err := a.manifests()
	if err != nil {
		return orchestrator.Manifest{}, err
	}
	if name == "" {
		return ms[0], nil
	}
	for _, m := range ms {
		if m.Name == name {
			return m, nil
		}
	}
	return orchestrator.Manifest{}, fmt.Errorf("%w: %s", orchestrator.ErrUnknownManifest, name)
}

// printReport writes the section summary and either the markdown or the output file.
func printReport(w io.Writer, report models.Report, output string) error {
	fmt.Fprintf(w, "%s %s  %s\n", heading("Report"), report.ID, statusColor(string(report.Status())))
	if report.Fatal != "" {
		fmt.Fprintf(w, "  %s\n", failed(report.Fatal))
	}
	for _, s := range report.Sections {
		line := fmt.Sprintf("  %-24s %s", s.Title, statusColor(string(s.Status)))
		if s.Quality != nil {
			line += faint(fmt.Sprintf("  quality %.2f", *s.Quality))
		}
		if s.Flagged {
			line += "  " + warn("flagged")
		}
		if s.Reason != "" {
			line += "  " + faint(s.Reason)
		}
		fmt.Fprintln(w, line)
	}

	content := orchestrator.Assemble(report)
	if output != "" {
		if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(w, "%s %s\n", okText("✓ Report written to"), output)
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, content)
	return nil
}
