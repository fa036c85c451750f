package cli

import (
	"github.com/spf13/cobra"

	"metrics-pipeline/internal/app"
)

var (
	showFeed  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent ingestion cycle outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Feed:  showFeed,
			Limit: showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showFeed, "feed", "", "Limit to one feed")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum number of pulls to show")
}
