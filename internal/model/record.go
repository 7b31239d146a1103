package model

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Status represents a record's position in the extraction workflow.
type Status string

const (
	StatusPendingTriage       Status = "pending_triage"
	StatusPendingExtraction   Status = "pending_extraction"
	StatusExtractionFailed    Status = "extraction_failed"
	StatusExtractionCompleted Status = "extraction_completed"
	StatusPendingClustering   Status = "pending_clustering"
	StatusPendingRefinement   Status = "pending_refinement"
	StatusCompleted           Status = "completed"
)

// AllStatuses lists every valid status in pipeline order.
var AllStatuses = []Status{
	StatusPendingTriage,
	StatusPendingExtraction,
	StatusExtractionFailed,
	StatusExtractionCompleted,
	StatusPendingClustering,
	StatusPendingRefinement,
	StatusCompleted,
}

// transitions is the directed edge set of the status machine. Edges run
// forward along the pipeline; the single backward edge resets failed
// extractions for another attempt.
var transitions = map[Status][]Status{
	StatusPendingTriage:       {StatusPendingExtraction},
	StatusPendingExtraction:   {StatusExtractionCompleted, StatusExtractionFailed},
	StatusExtractionFailed:    {StatusPendingExtraction},
	StatusExtractionCompleted: {StatusPendingClustering},
	StatusPendingClustering:   {StatusPendingRefinement},
	StatusPendingRefinement:   {StatusCompleted},
	StatusCompleted:           nil,
}

// ParseStatus validates a raw status string against the closed set.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if Status(s) == st {
			return st, nil
		}
	}
	return "", eris.Errorf("model: unknown status %q", s)
}

// Valid reports whether the status is a member of the closed set.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether no further extraction work is expected for a
// record in this status. extraction_completed counts as terminal for
// reconciliation purposes even though it can still advance through
// clustering and refinement.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExtractionCompleted
}

// CanTransition reports whether the status machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for a forbidden edge.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return eris.Errorf("model: unknown status %q", from)
	}
	if !to.Valid() {
		return eris.Errorf("model: unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return eris.Errorf("model: invalid transition %s -> %s", from, to)
	}
	return nil
}

// Record is a single source text tracked through the pipeline. The ID is a
// content address: the md5 of the NFC-normalized text, so re-ingesting the
// same text never creates a second row.
type Record struct {
	ID               string    `json:"id"`
	SourceText       string    `json:"source_text"`
	Status           Status    `json:"status"`
	TriageConfidence *float64  `json:"triage_confidence,omitempty"`
	AssignedType     string    `json:"assigned_type,omitempty"`
	StructuredData   []byte    `json:"structured_data,omitempty"`
	InvolvedEntities []string  `json:"involved_entities,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdated      time.Time `json:"last_updated"`
}

// RecordID derives the stable content-addressed id for a source text.
func RecordID(sourceText string) string {
	sum := md5.Sum([]byte(norm.NFC.String(sourceText)))
	return hex.EncodeToString(sum[:])
}

// NewRecord builds a record for ingestion in the given initial status.
// Only pending_triage and pending_extraction are acceptable entry points.
func NewRecord(sourceText string, initial Status) (Record, error) {
	if initial != StatusPendingTriage && initial != StatusPendingExtraction {
		return Record{}, eris.Errorf("model: %s is not an ingestion status", initial)
	}
	now := time.Now().UTC()
	return Record{
		ID:          RecordID(sourceText),
		SourceText:  sourceText,
		Status:      initial,
		CreatedAt:   now,
		LastUpdated: now,
	}, nil
}
