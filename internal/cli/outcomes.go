package cli

import (
	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var outcomesLimit int

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Print recent drop outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Outcomes(cmd.Context(), app.OutcomesOptions{Limit: outcomesLimit})
	},
}

func init() {
	outcomesCmd.Flags().IntVar(&outcomesLimit, "limit", 20, "Number of outcomes to show")
}
