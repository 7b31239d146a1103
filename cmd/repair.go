package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/repair"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the record store with derived events",
	Long:  "Finds terminal-status records lacking a derived event and synthesizes the missing ones. Safe to run any number of times.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := repair.New(st).Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("repair complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("healed", res.Healed),
			zap.Int("skipped", res.Skipped),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
