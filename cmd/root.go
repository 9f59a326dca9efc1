package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	cfgPkg "github.com/xhad/dossier/pkg/config"
)

var (
	configPath string
	logLevel   string
	offline    bool

	// cfg is loaded before any subcommand runs.
	cfg *cfgPkg.Config
)

var rootCmd = &cobra.Command{
	Use:   "dossier",
	Short: "Generate case reports from case documents",
	Long: `dossier ingests case documents, indexes them for hybrid retrieval and
generates structured case reports section by section with an LLM.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "do not call the embedding provider; use fallback vectors")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := c.MustValidate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), c.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	cfg = c
	return nil
}

// newLogger builds the process logger from the log section of the config.
func newLogger(w io.Writer, lc cfgPkg.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", lc.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", lc.Format)
}
