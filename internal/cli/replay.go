package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var (
	replayFrom   string
	replayTo     string
	replayDryRun bool
	replayBatch  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild drop outcomes from stored signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{DryRun: replayDryRun, BatchSize: replayBatch}

		if replayFrom != "" {
			from, err := time.Parse(time.RFC3339, replayFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = from
		}
		if replayTo != "" {
			to, err := time.Parse(time.RFC3339, replayTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = to
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Scan signals without writing outcomes")
	replayCmd.Flags().IntVar(&replayBatch, "batch", 1000, "Signals per page")
}
