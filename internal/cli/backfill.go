package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metrics-pipeline/internal/app"
)

var (
	backfillFeed string
	backfillFrom string
	backfillTo   string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill historical observations for one feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFeed == "" {
			return fmt.Errorf("--feed must be provided")
		}
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Feed: backfillFeed,
			From: from,
			To:   to,
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFeed, "feed", "", "Feed to backfill")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
}
