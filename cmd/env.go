package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hypergraph-labs/extract-cli/internal/batch"
	"github.com/hypergraph-labs/extract-cli/internal/config"
	"github.com/hypergraph-labs/extract-cli/internal/ledger"
	"github.com/hypergraph-labs/extract-cli/internal/resilience"
	"github.com/hypergraph-labs/extract-cli/internal/store"
	"github.com/hypergraph-labs/extract-cli/pkg/extract"
)

// openStore builds the configured store backend and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// buildClient assembles the Anthropic extraction client from config.
func buildClient() (extract.Client, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key is required (EXTRACT_ANTHROPIC_KEY)")
	}

	var prompt *extract.PromptTemplate
	if cfg.Anthropic.PromptPath != "" {
		tmpl, err := extract.LoadPromptTemplate(cfg.Anthropic.PromptPath)
		if err != nil {
			return nil, err
		}
		prompt = tmpl
	}

	opts := extract.Options{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Prompt:    prompt,
		Retry:     resilience.DefaultRetryConfig(),
	}
	if cfg.Anthropic.Temperature > 0 {
		temp := cfg.Anthropic.Temperature
		opts.Temperature = &temp
	}
	return extract.NewAnthropicClient(cfg.Anthropic.Key, opts), nil
}

// buildCoordinator wires the ledger, limiter, executor, and coordinator for
// one run invocation.
func buildCoordinator(st store.Store, client extract.Client, bc config.BatchConfig) (*batch.Coordinator, *ledger.Ledger, error) {
	led, err := ledger.Open(bc.LedgerPath)
	if err != nil {
		return nil, nil, err
	}

	limiter := batch.NewCallLimiter(bc.RateCalls, time.Duration(bc.RateWindowSecs)*time.Second)
	exec := batch.NewExecutor(st, led, client, limiter)
	coord, err := batch.NewCoordinator(st, exec, bc.Size, bc.RoundWorkers)
	if err != nil {
		led.Close() //nolint:errcheck
		return nil, nil, err
	}
	return coord, led, nil
}
