package main

import (
	"fmt"
	"io"

	"github.com/martinemde/conductor/unifiedllm"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List known models and their context windows",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := ""
		if len(args) == 1 {
			provider = args[0]
		}
		models := unifiedllm.ListModels(provider)
		if len(models) == 0 {
			return fmt.Errorf("no models known for provider %q", provider)
		}
		printModels(cmd.OutOrStdout(), models)
		return nil
	},
}

func printModels(w io.Writer, models []unifiedllm.ModelInfo) {
	fmt.Fprintf(w, "%-12s %-32s %10s  %s\n", "PROVIDER", "MODEL", "CONTEXT", "TOOLS")
	for _, m := range models {
		tools := "no"
		if m.SupportsTools {
			tools = "yes"
		}
		fmt.Fprintf(w, "%-12s %-32s %10d  %s\n", m.Provider, m.ID, m.ContextWindow, tools)
	}
}
