package store

import (
	"context"

	"github.com/hypergraph-labs/extract-cli/internal/model"
)

// RecordPatch specifies a partial update to a record. Nil fields are left
// untouched. A Status change is validated against the transition graph
// before anything is written.
type RecordPatch struct {
	Status           *model.Status
	TriageConfidence *float64
	AssignedType     *string
	StructuredData   *string
	InvolvedEntities *[]string
	Notes            *string
}

// Empty reports whether the patch would change nothing.
func (p RecordPatch) Empty() bool {
	return p.Status == nil &&
		p.TriageConfidence == nil &&
		p.AssignedType == nil &&
		p.StructuredData == nil &&
		p.InvolvedEntities == nil &&
		p.Notes == nil
}

// Store defines the persistence interface for pipeline records and the
// derived-events table.
type Store interface {
	// Records
	InsertRecords(ctx context.Context, recs []model.Record) (int, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	GetByStatus(ctx context.Context, status model.Status) ([]model.Record, error)
	UpdateRecord(ctx context.Context, id string, patch RecordPatch) error
	TransitionStatus(ctx context.Context, id string, to model.Status) error
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
	ResetFailed(ctx context.Context, limit int) (int, error)

	// Derived events
	MissingEvents(ctx context.Context) ([]model.Record, error)
	InsertEvent(ctx context.Context, ev model.DerivedEvent) (bool, error)
	GetEventBySource(ctx context.Context, sourceID string) (*model.DerivedEvent, error)
	CountEvents(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
