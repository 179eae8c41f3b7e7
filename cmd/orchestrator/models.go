package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/upb/llm-orchestrator/services/providers"
)

var (
	modelsProvider string
	modelsFilter   string
)

var colorProvider = color.New(color.Bold)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of every configured provider",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVarP(&modelsProvider, "provider", "p", "", "only list this provider's models")
	modelsCmd.Flags().StringVarP(&modelsFilter, "filter", "f", "", "substring to match model ids")
}

func runModels(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = deps.Close() }()

	var models []providers.ModelDescriptor
	if modelsProvider != "" {
		models = deps.Registry.ModelsByProvider(modelsProvider)
	} else {
		models = deps.Registry.Models()
	}

	if modelsFilter != "" {
		keep := make(map[string]bool)
		for _, id := range deps.Registry.FindModels(modelsFilter) {
			keep[id] = true
		}
		filtered := models[:0]
		for _, m := range models {
			if keep[m.ID] {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}

	if len(models) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no models found")
		return nil
	}
	return writeModels(cmd.OutOrStdout(), models)
}

// writeModels prints models grouped by provider, in registry order
func writeModels(out io.Writer, models []providers.ModelDescriptor) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	current := ""
	for _, m := range models {
		if m.Provider != current {
			if current != "" {
				fmt.Fprintln(w)
			}
			current = m.Provider
			fmt.Fprintln(w, colorProvider.Sprint(current))
		}

		caps := make([]string, len(m.Capabilities))
		for i, c := range m.Capabilities {
			caps[i] = string(c)
		}

		price := "free"
		if m.Pricing != nil {
			price = fmt.Sprintf("$%.2f/$%.2f per 1M", m.Pricing.InputPer1M, m.Pricing.OutputPer1M)
		}

		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", m.ID, m.ContextWindow, price, strings.Join(caps, ","))
	}
	return w.Flush()
}
