package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypergraph-labs/extract-cli/internal/config"
	"github.com/hypergraph-labs/extract-cli/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"ingest", "run", "repair", "reset", "status", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "extract-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestCommand_Flags(t *testing.T) {
	flag := ingestCmd.Flags().Lookup("input")
	require.NotNil(t, flag, "ingest command should have --input flag")

	flag = ingestCmd.Flags().Lookup("triage")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestResetCommand_Flags(t *testing.T) {
	flag := resetCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "reset command should have --limit flag")
	assert.Equal(t, "100", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunCommand_Flags(t *testing.T) {
	require.NotNil(t, runCmd.Flags().Lookup("batch-size"))
	require.NotNil(t, runCmd.Flags().Lookup("ledger"))
	require.NotNil(t, runCmd.Flags().Lookup("workers"))
	require.NotNil(t, runCmd.Flags().Lookup("retry-workers"))
	require.NotNil(t, runCmd.Flags().Lookup("rounds"))
}

func TestOverrideRoundWorkers(t *testing.T) {
	// Zero flags keep the configured rounds untouched.
	assert.Equal(t, []int{10, 5}, overrideRoundWorkers([]int{10, 5}, 0, 0, 0))
	assert.Equal(t, []int{10, 5}, overrideRoundWorkers(nil, 0, 0, 0))

	assert.Equal(t, []int{20, 5}, overrideRoundWorkers([]int{10, 5}, 20, 0, 0))
	assert.Equal(t, []int{10, 3}, overrideRoundWorkers([]int{10, 5}, 0, 3, 0))
	assert.Equal(t, []int{10, 5, 5, 5}, overrideRoundWorkers([]int{10, 5}, 0, 0, 4))
	assert.Equal(t, []int{10}, overrideRoundWorkers([]int{10, 5}, 0, 0, 1))
	assert.Equal(t, []int{8, 2, 2}, overrideRoundWorkers([]int{10, 5}, 8, 2, 3))
}

func withTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "test.db")},
		Batch: config.BatchConfig{
			Size:           10,
			LedgerPath:     filepath.Join(dir, "result.jsonl"),
			RateCalls:      100,
			RateWindowSecs: 1,
			RoundWorkers:   []int{2},
		},
		Log: config.LogConfig{Level: "error", Format: "json"},
	}
	t.Cleanup(func() { cfg = nil })
}

func TestOpenStore_SQLite(t *testing.T) {
	withTestConfig(t)

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	withTestConfig(t)
	cfg.Store.Driver = "oracle"

	_, err := openStore(context.Background())
	require.Error(t, err)
}

func TestBuildClient_RequiresKey(t *testing.T) {
	withTestConfig(t)

	_, err := buildClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTRACT_ANTHROPIC_KEY")
}

func TestIngestThenStatusCounts(t *testing.T) {
	withTestConfig(t)
	ctx := context.Background()

	input := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(input, []byte(`["one event", "another event"]`), 0o644))

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ingestInput = input
	t.Cleanup(func() { ingestInput = "" })
	ingestCmd.SetContext(ctx)
	require.NoError(t, ingestCmd.RunE(ingestCmd, nil))

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPendingExtraction])

	// Re-running the ingest inserts nothing new.
	require.NoError(t, ingestCmd.RunE(ingestCmd, nil))
	counts, err = st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPendingExtraction])
}
