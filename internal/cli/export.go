package cli

import (
	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var (
	exportCSVPath      string
	exportPNGPath      string
	exportOutcomesPath string
	exportRetailers    []string
	exportMaxRows      int
)

var exportCmd = &cobra.Command{
	Use:   "export-model",
	Short: "Export the hour model as CSV/PNG and outcomes as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ExportModel(cmd.Context(), app.ExportOptions{
			CSVPath:         exportCSVPath,
			PNGPath:         exportPNGPath,
			OutcomesCSVPath: exportOutcomesPath,
			Retailers:       exportRetailers,
			MaxRows:         exportMaxRows,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write hour weights CSV")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write hour weights chart")
	exportCmd.Flags().StringVar(&exportOutcomesPath, "outcomes-csv", "", "Path to write recent outcomes CSV")
	exportCmd.Flags().StringSliceVar(&exportRetailers, "retailer", nil, "Limit the model export to these retailers")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum outcome rows (defaults to config)")
}
