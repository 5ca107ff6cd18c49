package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List registered models, their providers and rates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tPROVIDER\tPROMPT / 1K\tCOMPLETION / 1K")
		for _, m := range reg.Models() {
			fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\n", m.ID, m.Provider, m.PromptRate*1000, m.CompletionRate*1000)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
