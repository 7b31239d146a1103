// Package repair heals drift between the record store and the derived-event
// store. Records can reach a terminal status without a derived event when the
// process dies between a ledger append and the downstream write; the repairer
// finds those records and synthesizes the missing events.
package repair

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/store"
)

// MalformedRecordError marks a record that cannot be derived, such as one
// with no source text. The record is skipped for the pass, not retried.
type MalformedRecordError struct {
	RecordID string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	return "malformed record " + e.RecordID + ": " + e.Reason
}

// Result summarizes one repair pass.
type Result struct {
	Scanned  int
	Healed   int
	Existing int
	Skipped  int
}

// Repairer reconciles terminal-status records with the derived-event store.
type Repairer struct {
	store store.Store
}

func New(st store.Store) *Repairer {
	return &Repairer{store: st}
}

// Run performs one reconciliation pass. Event ids are a pure function of the
// record id, so running any number of passes converges to the same event set;
// an insert that races an earlier pass lands as a no-op. The record store is
// never written.
func (r *Repairer) Run(ctx context.Context) (*Result, error) {
	missing, err := r.store.MissingEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "repair: scan for missing events")
	}

	res := &Result{Scanned: len(missing)}
	for _, rec := range missing {
		ev, err := derive(rec)
		if err != nil {
			var malformed *MalformedRecordError
			if eris.As(err, &malformed) {
				zap.L().Warn("skipping malformed record",
					zap.String("record_id", malformed.RecordID),
					zap.String("reason", malformed.Reason))
				res.Skipped++
				continue
			}
			return res, err
		}

		inserted, err := r.store.InsertEvent(ctx, ev)
		if err != nil {
			return res, eris.Wrapf(err, "repair: insert event for record %s", rec.ID)
		}
		if inserted {
			res.Healed++
		} else {
			res.Existing++
		}
	}

	zap.L().Info("reconciliation pass complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("healed", res.Healed),
		zap.Int("already_present", res.Existing),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func derive(rec model.Record) (model.DerivedEvent, error) {
	if strings.TrimSpace(rec.SourceText) == "" {
		return model.DerivedEvent{}, &MalformedRecordError{RecordID: rec.ID, Reason: "empty source_text"}
	}
	return model.DeriveEvent(rec), nil
}
