package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/batch"
)

var (
	runBatchSize    int
	runLedgerPath   string
	runWorkers      int
	runRetryWorkers int
	runRounds       int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute batch extraction over pending records",
	Long:  "Plans fixed-size batches over every record pending extraction and drives them through the Anthropic API in rate-limited rounds. The ledger file records completed batches, so an interrupted run resumes where it left off.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		client, err := buildClient()
		if err != nil {
			return err
		}

		bc := cfg.Batch
		if runBatchSize > 0 {
			bc.Size = runBatchSize
		}
		if runLedgerPath != "" {
			bc.LedgerPath = runLedgerPath
		}
		bc.RoundWorkers = overrideRoundWorkers(bc.RoundWorkers, runWorkers, runRetryWorkers, runRounds)

		coord, led, err := buildCoordinator(st, client, bc)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		report, err := coord.Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("run complete",
			zap.Int("total_batches", report.TotalBatches),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("rounds", report.Rounds),
			zap.Ints("remaining", report.Remaining),
		)
		return nil
	},
}

// overrideRoundWorkers applies the run flags on top of the configured
// per-round worker counts. rounds grows or trims the round list, workers sets
// the first round, and retryWorkers sets every round after it. Zero means
// keep the configured value.
func overrideRoundWorkers(base []int, workers, retryWorkers, rounds int) []int {
	out := append([]int(nil), base...)
	if len(out) == 0 {
		out = append(out, batch.DefaultRoundWorkers...)
	}
	if rounds > 0 {
		for len(out) < rounds {
			out = append(out, out[len(out)-1])
		}
		out = out[:rounds]
	}
	if workers > 0 {
		out[0] = workers
	}
	if retryWorkers > 0 {
		for i := 1; i < len(out); i++ {
			out[i] = retryWorkers
		}
	}
	return out
}

func init() {
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "records per batch (default from config)")
	runCmd.Flags().StringVar(&runLedgerPath, "ledger", "", "ledger file path (default from config)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "first-round worker count (default from config)")
	runCmd.Flags().IntVar(&runRetryWorkers, "retry-workers", 0, "worker count for retry rounds (default from config)")
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "number of rounds to attempt (default from config)")
	rootCmd.AddCommand(runCmd)
}
