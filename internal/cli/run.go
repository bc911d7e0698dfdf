package cli

import (
	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var runOpts app.RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan, hot-window and training loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().IntVar(&runOpts.Workers, "workers", 0, "Override scan.workers")
	runCmd.Flags().BoolVar(&runOpts.SkipTrain, "skip-train", false, "Do not schedule the trainer in this process")
}
