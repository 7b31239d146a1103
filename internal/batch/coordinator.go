package batch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/store"
)

// DefaultRoundWorkers holds the worker count for each retry round. The second
// round runs narrower on the theory that persistent failures correlate with
// overload upstream.
var DefaultRoundWorkers = []int{10, 5}

// Report summarizes a coordinator run for the operator. Remaining lists the
// batch indices still unprocessed after the final round; they are never
// silently dropped.
type Report struct {
	TotalBatches int
	Succeeded    int
	Remaining    []int
	Rounds       int
}

// Done reports whether every batch landed in the ledger.
func (r *Report) Done() bool {
	return len(r.Remaining) == 0
}

// Coordinator runs the executor over multiple rounds with shrinking worker
// counts until the ledger covers every batch or the round budget runs out.
type Coordinator struct {
	store        store.Store
	executor     *Executor
	batchSize    int
	roundWorkers []int
}

// NewCoordinator wires a coordinator. roundWorkers gives the worker count per
// round; nil means DefaultRoundWorkers.
func NewCoordinator(st store.Store, exec *Executor, batchSize int, roundWorkers []int) (*Coordinator, error) {
	if batchSize <= 0 {
		return nil, eris.Errorf("batch: batch size must be positive, got %d", batchSize)
	}
	if roundWorkers == nil {
		roundWorkers = DefaultRoundWorkers
	}
	for _, w := range roundWorkers {
		if w <= 0 {
			return nil, eris.Errorf("batch: round worker count must be positive, got %d", w)
		}
	}
	return &Coordinator{
		store:        st,
		executor:     exec,
		batchSize:    batchSize,
		roundWorkers: roundWorkers,
	}, nil
}

// Run plans batches over every pending record the ledger does not already
// cover and executes up to the configured number of rounds. Pending records
// whose ids are ledgered lost their status write to a crash; they are settled
// to extraction_completed up front rather than re-sent. Between rounds,
// failed records are reset to pending so a later success can transition them
// forward, and the remaining set is re-derived from the ledger, never from
// memory.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	doneIDs, err := c.executor.ledger.CompletedIDs()
	if err != nil {
		return nil, eris.Wrap(err, "batch: replay ledger")
	}

	pending, err := c.store.GetByStatus(ctx, model.StatusPendingExtraction)
	if err != nil {
		return nil, eris.Wrap(err, "batch: load pending records")
	}

	ids := make([]string, 0, len(pending))
	settled := 0
	for _, rec := range pending {
		if doneIDs[rec.ID] {
			if err := c.store.TransitionStatus(ctx, rec.ID, model.StatusExtractionCompleted); err != nil {
				return nil, eris.Wrapf(err, "batch: settle ledgered record %s", rec.ID)
			}
			settled++
			continue
		}
		ids = append(ids, rec.ID)
	}
	if settled > 0 {
		zap.L().Info("settled ledgered records from an interrupted run",
			zap.Int("count", settled))
	}

	plan, err := NewPlan(ids, c.batchSize)
	if err != nil {
		return nil, err
	}

	report := &Report{TotalBatches: plan.TotalBatches()}
	if report.TotalBatches == 0 {
		zap.L().Info("nothing pending extraction")
		return report, nil
	}

	for round, workers := range c.roundWorkers {
		done, err := c.executor.ledger.CompletedIDs()
		if err != nil {
			return nil, eris.Wrap(err, "batch: replay ledger")
		}
		remaining := plan.Remaining(done)
		if len(remaining) == 0 {
			break
		}

		if round > 0 {
			if err := c.resetFailed(ctx); err != nil {
				return nil, err
			}
		}

		zap.L().Info("starting extraction round",
			zap.Int("round", round+1),
			zap.Int("workers", workers),
			zap.Int("remaining_batches", len(remaining)))

		succeeded, err := c.executor.Run(ctx, plan, remaining, workers)
		report.Rounds = round + 1
		if err != nil {
			return report, err
		}

		zap.L().Info("extraction round finished",
			zap.Int("round", round+1),
			zap.Int("succeeded", len(succeeded)),
			zap.Int("failed", len(remaining)-len(succeeded)))
	}

	done, err := c.executor.ledger.CompletedIDs()
	if err != nil {
		return nil, eris.Wrap(err, "batch: replay ledger")
	}
	report.Remaining = plan.Remaining(done)
	report.Succeeded = report.TotalBatches - len(report.Remaining)

	if !report.Done() {
		zap.L().Warn("batches permanently failed this invocation",
			zap.Ints("batch_indices", report.Remaining))
	}
	return report, nil
}

// resetFailed moves every extraction_failed record back to pending so the
// next round's success transitions are valid forward edges.
func (c *Coordinator) resetFailed(ctx context.Context) error {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return eris.Wrap(err, "batch: count failed records")
	}
	failed := counts[model.StatusExtractionFailed]
	if failed == 0 {
		return nil
	}
	n, err := c.store.ResetFailed(ctx, failed)
	if err != nil {
		return eris.Wrap(err, "batch: reset failed records")
	}
	zap.L().Info("reset failed records for retry", zap.Int("count", n))
	return nil
}
