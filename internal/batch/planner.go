// Package batch plans, executes, and coordinates rate-limited extraction
// runs over the pending record set. The ledger is the resumption anchor: a
// restarted run replays it into the set of already-extracted record ids and
// processes only the records outside that set, so resumption survives batch
// boundaries shifting between runs.
package batch

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Plan partitions an ordered id list into contiguous fixed-size batches.
// Batch i covers ids [i*B, min((i+1)*B, N)). The id ordering must be stable
// across restarts or batch membership drifts; Planner sorts ids itself so
// callers cannot get this wrong.
type Plan struct {
	ids       []string
	batchSize int
}

// NewPlan sorts ids and builds a plan with the given batch size.
func NewPlan(ids []string, batchSize int) (*Plan, error) {
	if batchSize <= 0 {
		return nil, eris.Errorf("batch: batch size must be positive, got %d", batchSize)
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return &Plan{ids: sorted, batchSize: batchSize}, nil
}

// TotalBatches returns ceil(N/B).
func (p *Plan) TotalBatches() int {
	if len(p.ids) == 0 {
		return 0
	}
	return (len(p.ids) + p.batchSize - 1) / p.batchSize
}

// Batch returns the record ids covered by batch index i.
func (p *Plan) Batch(i int) ([]string, error) {
	if i < 0 || i >= p.TotalBatches() {
		return nil, eris.Errorf("batch: index %d out of range [0,%d)", i, p.TotalBatches())
	}
	start := i * p.batchSize
	end := start + p.batchSize
	if end > len(p.ids) {
		end = len(p.ids)
	}
	return p.ids[start:end], nil
}

// Remaining returns, in ascending order, the indices of batches holding at
// least one record id absent from done. A batch whose every id is ledgered
// has nothing left to extract and is skipped.
func (p *Plan) Remaining(done map[string]bool) []int {
	var remaining []int
	for i := 0; i < p.TotalBatches(); i++ {
		start := i * p.batchSize
		end := start + p.batchSize
		if end > len(p.ids) {
			end = len(p.ids)
		}
		for _, id := range p.ids[start:end] {
			if !done[id] {
				remaining = append(remaining, i)
				break
			}
		}
	}
	return remaining
}

// IDs returns the sorted id list backing the plan.
func (p *Plan) IDs() []string {
	return p.ids
}
