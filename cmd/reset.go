package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resetLimit int

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move failed records back to pending extraction",
	Long:  "Resets up to --limit extraction_failed records to pending_extraction so the next run retries them. This is the only permitted backward status transition.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ResetFailed(ctx, resetLimit)
		if err != nil {
			return err
		}

		zap.L().Info("reset complete",
			zap.Int("requested", resetLimit),
			zap.Int("reset", n),
		)
		return nil
	},
}

func init() {
	resetCmd.Flags().IntVar(&resetLimit, "limit", 100, "maximum records to reset")
	rootCmd.AddCommand(resetCmd)
}
