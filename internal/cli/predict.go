package cli

import (
	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var predictOpts app.PredictOptions

var predictCmd = &cobra.Command{
	Use:   "predict <retailer>",
	Short: "Predict the next drop windows for a retailer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := predictOpts
		opts.Retailer = args[0]
		return getApp().Predict(cmd.Context(), opts)
	},
}

var hotCmd = &cobra.Command{
	Use:   "hot",
	Short: "Inspect or refresh hot-window markers",
}

var hotRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute hot markers once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().HotRefresh(cmd.Context())
	},
}

var hotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List live hot markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().HotStatus(cmd.Context())
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictOpts.ProductID, "product", "", "Catalog product id (enables product history)")
	predictCmd.Flags().IntVar(&predictOpts.HorizonMinutes, "horizon", 0, "Horizon in minutes, 30-1440 (defaults to config)")
	predictCmd.Flags().IntVar(&predictOpts.TopK, "top", 0, "Number of windows, 1-5 (defaults to config)")
	predictCmd.Flags().BoolVar(&predictOpts.JSON, "json", false, "Print windows as JSON")

	hotCmd.AddCommand(hotRefreshCmd)
	hotCmd.AddCommand(hotStatusCmd)
}
