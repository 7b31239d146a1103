package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/ingest"
)

var (
	ingestInput      string
	ingestSheetIndex int
	ingestColumn     int
	ingestSkipRows   int
	ingestTriage     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load source texts into the record store",
	Long:  "Reads source texts from a JSON, XLSX, or plain-text file and inserts them as records. Ids are content addresses, so re-running on the same input inserts nothing new.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := ingest.Options{
			SheetIndex: ingestSheetIndex,
			Column:     ingestColumn,
			SkipRows:   ingestSkipRows,
			Triage:     ingestTriage,
		}
		texts, err := ingest.ReadTexts(ingestInput, opts)
		if err != nil {
			return err
		}
		if len(texts) == 0 {
			return eris.Errorf("no source texts found in %s", ingestInput)
		}

		recs, err := ingest.Records(texts, opts)
		if err != nil {
			return err
		}
		inserted, err := st.InsertRecords(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "insert records")
		}

		zap.L().Info("ingest complete",
			zap.String("input", ingestInput),
			zap.Int("texts", len(texts)),
			zap.Int("inserted", inserted),
			zap.Int("already_present", len(recs)-inserted),
		)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestInput, "input", "", "path to input file (required)")
	ingestCmd.Flags().IntVar(&ingestSheetIndex, "sheet", 0, "XLSX sheet index")
	ingestCmd.Flags().IntVar(&ingestColumn, "column", 0, "XLSX column holding the source text")
	ingestCmd.Flags().IntVar(&ingestSkipRows, "skip-rows", 0, "XLSX header rows to skip")
	ingestCmd.Flags().BoolVar(&ingestTriage, "triage", false, "route records through triage before extraction")
	_ = ingestCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(ingestCmd)
}
