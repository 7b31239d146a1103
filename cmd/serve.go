package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hypergraph-labs/extract-cli/internal/ledger"
	"github.com/hypergraph-labs/extract-cli/internal/monitoring"
	"github.com/hypergraph-labs/extract-cli/internal/repair"
	"github.com/hypergraph-labs/extract-cli/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := server.New(st, monitoring.NewCollector(st, led), repair.New(st), port)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
