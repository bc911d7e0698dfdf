package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var healthTimeout time.Duration

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the hour-of-day model and calibration once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every adapter once and print its health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context(), healthTimeout)
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 0, "Per-adapter timeout (defaults to scan.call_timeout)")
}
