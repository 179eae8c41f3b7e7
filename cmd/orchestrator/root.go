package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/upb/llm-orchestrator/app"
	"github.com/upb/llm-orchestrator/config"
	"github.com/upb/llm-orchestrator/internal/observability"
	"go.uber.org/zap"
)

// Global flag values.
var (
	noColor  bool
	logLevel string
)

// Replaced in tests.
var (
	loadConfig        = config.New
	buildDependencies = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.Dependencies, error) {
		return app.NewDependencies(ctx, cfg, logger)
	}
)

// rootCmd is the base command for the orchestrator.
var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Route LLM completions across providers",
	Long: `orchestrator picks a model for each request, retries and falls back
across providers, caches answers and tracks what every call cost. Run
"serve" for the HTTP API or "ask" for a one-off completion.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the logger. quiet raises the
// default level so that interactive commands only surface warnings.
func setup(ctx context.Context, quiet bool) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Observability.LogLevel
	switch {
	case logLevel != "":
		level = logLevel
	case quiet:
		level = "warn"
	}

	logger, err := observability.NewLogger(level, cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// versionCmd prints the orchestrator version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", Version)
	},
}
