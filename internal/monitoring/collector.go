// Package monitoring gathers point-in-time health snapshots of the
// extraction pipeline for the status command and the ops API.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/store"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	StatusCounts map[model.Status]int `json:"status_counts"`

	// TotalRecords is the sum over every status.
	TotalRecords int `json:"total_records"`

	// TerminalRecords counts records no further extraction work is
	// expected for.
	TerminalRecords int `json:"terminal_records"`

	DerivedEvents int `json:"derived_events"`

	// MissingEvents counts terminal records still lacking a derived event,
	// the repairer's backlog.
	MissingEvents int `json:"missing_events"`

	// LedgerEntries counts distinct completed batch indices.
	LedgerEntries int `json:"ledger_entries"`

	CollectedAt time.Time `json:"collected_at"`
}

// Consistent reports whether the record and event stores agree.
func (s *Snapshot) Consistent() bool {
	return s.MissingEvents == 0
}

// LedgerReader abstracts the ledger method the collector needs.
type LedgerReader interface {
	Len() (int, error)
}

// Collector gathers snapshots from the store and the batch ledger. The
// ledger may be nil when no run is configured; LedgerEntries stays zero.
type Collector struct {
	store  store.Store
	ledger LedgerReader
}

func NewCollector(st store.Store, led LedgerReader) *Collector {
	return &Collector{store: st, ledger: led}
}

// Collect produces a snapshot. Counts are read sequentially, so a snapshot
// taken during a live run is approximate, not transactional.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by status")
	}
	snap.StatusCounts = counts
	for status, n := range counts {
		snap.TotalRecords += n
		if status.Terminal() {
			snap.TerminalRecords += n
		}
	}

	snap.DerivedEvents, err = c.store.CountEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count events")
	}

	missing, err := c.store.MissingEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: missing events")
	}
	snap.MissingEvents = len(missing)

	if c.ledger != nil {
		snap.LedgerEntries, err = c.ledger.Len()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: ledger length")
		}
	}

	return snap, nil
}
