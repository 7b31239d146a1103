package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hypergraph-labs/extract-cli/internal/ledger"
	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/monitoring"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var led monitoring.LedgerReader
		if cfg.Batch.LedgerPath != "" {
			l, err := ledger.Open(cfg.Batch.LedgerPath)
			if err != nil {
				return err
			}
			defer l.Close() //nolint:errcheck
			led = l
		}

		snap, err := monitoring.NewCollector(st, led).Collect(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		fmt.Printf("Records: %d total, %d terminal\n", snap.TotalRecords, snap.TerminalRecords)
		for _, status := range model.AllStatuses {
			if n := snap.StatusCounts[status]; n > 0 {
				fmt.Printf("  %-22s %d\n", status, n)
			}
		}
		fmt.Printf("Derived events: %d (%d missing)\n", snap.DerivedEvents, snap.MissingEvents)
		fmt.Printf("Ledger entries: %d\n", snap.LedgerEntries)
		if !snap.Consistent() {
			fmt.Println("Stores have drifted; run `extract-cli repair`.")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
