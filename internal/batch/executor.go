package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hypergraph-labs/extract-cli/internal/ledger"
	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/store"
	"github.com/hypergraph-labs/extract-cli/pkg/extract"
)

// NewCallLimiter builds a limiter admitting at most calls invocations per
// rolling window. Burst is 1 so the guarantee holds for any window placement,
// not just aligned ones.
func NewCallLimiter(calls int, window time.Duration) *rate.Limiter {
	if calls <= 0 {
		calls = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(calls)), 1)
}

// Executor drives batches through the extraction client with a bounded worker
// pool and a shared call-rate limiter. It performs no retry of its own; a
// failed batch is logged, its records are marked failed, and the index is
// left out of the ledger for a later round to pick up.
type Executor struct {
	store   store.Store
	ledger  *ledger.Ledger
	client  extract.Client
	limiter *rate.Limiter
}

// NewExecutor wires an executor. The limiter is shared across all workers of
// every Run call on this executor.
func NewExecutor(st store.Store, led *ledger.Ledger, client extract.Client, limiter *rate.Limiter) *Executor {
	return &Executor{store: st, ledger: led, client: client, limiter: limiter}
}

// Run processes the given batch indices with a pool of workers and returns
// the set of indices that succeeded. Batch failures are isolated: one bad
// batch never aborts its siblings. A ledger write failure is fatal and
// surfaces as the returned error; batches already appended stay appended.
func (e *Executor) Run(ctx context.Context, plan *Plan, indices []int, workers int) (map[int]bool, error) {
	if workers <= 0 {
		return nil, eris.Errorf("batch: worker count must be positive, got %d", workers)
	}

	var mu sync.Mutex
	succeeded := make(map[int]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, idx := range indices {
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return eris.Wrapf(err, "batch %d: limiter wait", idx)
			}

			ids, err := plan.Batch(idx)
			if err != nil {
				return err
			}
			texts, err := e.loadTexts(gctx, ids)
			if err != nil {
				zap.L().Error("batch skipped, records unreadable",
					zap.Int("batch_index", idx),
					zap.Error(err))
				return nil
			}

			answer, err := e.client.Process(gctx, texts)
			if err != nil {
				zap.L().Warn("batch failed",
					zap.Int("batch_index", idx),
					zap.Int("records", len(ids)),
					zap.Error(err))
				e.markRecords(gctx, ids, model.StatusExtractionFailed)
				return nil
			}

			// The append must land before the status transitions. If the
			// process dies in between, the next run sees the index in the
			// ledger and the repairer heals any event drift.
			if err := e.ledger.Append(gctx, ledger.Entry{BatchIndex: idx, RecordIDs: ids, Answer: answer}); err != nil {
				return eris.Wrapf(err, "batch %d", idx)
			}
			e.markRecords(gctx, ids, model.StatusExtractionCompleted)

			mu.Lock()
			succeeded[idx] = true
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return succeeded, err
	}
	return succeeded, nil
}

func (e *Executor) loadTexts(ctx context.Context, ids []string) ([]string, error) {
	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := e.store.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, eris.Errorf("record not found: %s", id)
		}
		texts = append(texts, rec.SourceText)
	}
	return texts, nil
}

// markRecords transitions each record, tolerating records that are already in
// the target status from a redone batch. Individual transition failures are
// logged and do not fail the batch; the repairer catches any drift.
func (e *Executor) markRecords(ctx context.Context, ids []string, to model.Status) {
	for _, id := range ids {
		rec, err := e.store.GetRecord(ctx, id)
		if err != nil || rec == nil {
			zap.L().Warn("record unreadable during status mark",
				zap.String("record_id", id),
				zap.Error(err))
			continue
		}
		if rec.Status == to {
			continue
		}
		if err := e.store.TransitionStatus(ctx, id, to); err != nil {
			zap.L().Warn("status transition failed",
				zap.String("record_id", id),
				zap.String("to", string(to)),
				zap.Error(err))
		}
	}
}
