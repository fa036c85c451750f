package cli

import (
	"time"

	"github.com/spf13/cobra"

	"metrics-pipeline/internal/app"
)

var (
	gapsFeed     string
	gapsLookback time.Duration
	gapsRepair   bool
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List missing reporting periods, optionally backfilling them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Gaps(cmd.Context(), app.GapsOptions{
			Feed:     gapsFeed,
			Lookback: gapsLookback,
			Repair:   gapsRepair,
		})
	},
}

func init() {
	gapsCmd.Flags().StringVar(&gapsFeed, "feed", "", "Limit to one feed (default: all feeds)")
	gapsCmd.Flags().DurationVar(&gapsLookback, "lookback", 0, "Window to scan (default: scheduler.gap_lookback)")
	gapsCmd.Flags().BoolVar(&gapsRepair, "repair", false, "Backfill the gaps instead of listing them")
}
