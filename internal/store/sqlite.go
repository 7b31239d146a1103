package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hypergraph-labs/extract-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	source_text       TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN (
		'pending_triage', 'pending_extraction', 'extraction_failed',
		'extraction_completed', 'pending_clustering', 'pending_refinement',
		'completed')),
	triage_confidence REAL,
	assigned_type     TEXT,
	structured_data   TEXT,
	involved_entities TEXT,
	notes             TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	last_updated      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS derived_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	"trigger"  TEXT NOT NULL DEFAULT 'N/A',
	entities   TEXT NOT NULL DEFAULT '[]',
	summary    TEXT,
	source_id  TEXT NOT NULL REFERENCES records(id),
	processed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_derived_events_source_id ON derived_events(source_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRecords inserts records, silently skipping ids that already exist.
// Returns the number of rows actually written.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, rec := range recs {
		if !rec.Status.Valid() {
			return 0, eris.Errorf("sqlite: record %s has unknown status %q", rec.ID, rec.Status)
		}
		entities, err := marshalEntities(rec.InvolvedEntities)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal entities for %s", rec.ID)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (id, source_text, status, triage_confidence, assigned_type,
			                      structured_data, involved_entities, notes, created_at, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.SourceText, string(rec.Status), rec.TriageConfidence,
			nullString(rec.AssignedType), nullBytes(rec.StructuredData), entities,
			nullString(rec.Notes), rec.CreatedAt, rec.LastUpdated,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", rec.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert records")
	}
	return inserted, nil
}

const recordColumns = `id, source_text, status, triage_confidence, assigned_type,
	structured_data, involved_entities, notes, created_at, last_updated`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return rec, nil
}

// GetByStatus returns all records in the given status, ordered by id so
// batch membership is reproducible across calls.
func (s *SQLiteStore) GetByStatus(ctx context.Context, status model.Status) ([]model.Record, error) {
	if !status.Valid() {
		return nil, eris.Errorf("sqlite: unknown status %q", status)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE status = ? ORDER BY id`,
		string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get by status")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: get by status iterate")
}

// UpdateRecord applies a partial update to a single record. A status change
// in the patch goes through the same transition validation as
// TransitionStatus; the whole patch is applied atomically or not at all.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, patch RecordPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return eris.Errorf("sqlite: unknown status %q", *patch.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update record")
	}
	defer tx.Rollback() //nolint:errcheck

	if patch.Status != nil {
		if err := validateTransitionTx(ctx, tx, id, *patch.Status); err != nil {
			return err
		}
	}

	query := `UPDATE records SET last_updated = ?`
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		query += `, status = ?`
		args = append(args, string(*patch.Status))
	}
	if patch.TriageConfidence != nil {
		query += `, triage_confidence = ?`
		args = append(args, *patch.TriageConfidence)
	}
	if patch.AssignedType != nil {
		query += `, assigned_type = ?`
		args = append(args, *patch.AssignedType)
	}
	if patch.StructuredData != nil {
		query += `, structured_data = ?`
		args = append(args, *patch.StructuredData)
	}
	if patch.InvolvedEntities != nil {
		entities, err := marshalEntities(*patch.InvolvedEntities)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal entities for %s", id)
		}
		query += `, involved_entities = ?`
		args = append(args, entities)
	}
	if patch.Notes != nil {
		query += `, notes = ?`
		args = append(args, *patch.Notes)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", id)
	}
	if err := checkRowsAffected(res, "record", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update record")
}

// TransitionStatus moves a record along the status machine, failing loudly
// on any edge outside the transition graph.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, to model.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := validateTransitionTx(ctx, tx, id, to); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET status = ?, last_updated = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition record %s", id)
	}
	if err := checkRowsAffected(res, "record", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit transition")
}

// validateTransitionTx reads the current status inside the transaction and
// validates the requested edge against the transition graph.
func validateTransitionTx(ctx context.Context, tx *sql.Tx, id string, to model.Status) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return eris.Errorf("record not found: %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status of %s", id)
	}
	if err := model.ValidateTransition(model.Status(current), to); err != nil {
		return eris.Wrapf(err, "record %s", id)
	}
	return nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

// ResetFailed moves up to limit extraction_failed records back to
// pending_extraction (the one sanctioned backward edge), lowest ids first.
func (s *SQLiteStore) ResetFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, last_updated = ?
		 WHERE id IN (
			SELECT id FROM records WHERE status = ? ORDER BY id LIMIT ?
		 )`,
		string(model.StatusPendingExtraction), time.Now().UTC(),
		string(model.StatusExtractionFailed), limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed records")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// MissingEvents returns terminal-status records with no derived event:
// a left anti-join between records and derived_events.
func (s *SQLiteStore) MissingEvents(ctx context.Context) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.source_text, r.status, r.triage_confidence, r.assigned_type,
		        r.structured_data, r.involved_entities, r.notes, r.created_at, r.last_updated
		 FROM records r
		 LEFT JOIN derived_events de ON r.id = de.source_id
		 WHERE r.status IN (?, ?) AND de.id IS NULL
		 ORDER BY r.id`,
		string(model.StatusCompleted), string(model.StatusExtractionCompleted),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: missing events")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan missing-event record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: missing events iterate")
}

// InsertEvent writes a derived event unless one with the same id exists.
// Returns true when a row was actually inserted.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev model.DerivedEvent) (bool, error) {
	entities, err := marshalEntities(ev.Entities)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: marshal event entities for %s", ev.ID)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO derived_events (id, event_type, "trigger", entities, summary, source_id, processed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.EventType, ev.Trigger, entities, ev.Summary, ev.SourceID, boolToInt(ev.Processed),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert event %s", ev.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetEventBySource(ctx context.Context, sourceID string) (*model.DerivedEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, "trigger", entities, summary, source_id, processed
		 FROM derived_events WHERE source_id = ?`,
		sourceID,
	)

	var ev model.DerivedEvent
	var entitiesJSON string
	var summary sql.NullString
	var processed int
	err := row.Scan(&ev.ID, &ev.EventType, &ev.Trigger, &entitiesJSON, &summary, &ev.SourceID, &processed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get event by source %s", sourceID)
	}
	if err := json.Unmarshal([]byte(entitiesJSON), &ev.Entities); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal event entities")
	}
	ev.Summary = summary.String
	ev.Processed = processed != 0
	return &ev, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM derived_events`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count events")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func marshalEntities(entities []string) (string, error) {
	if entities == nil {
		entities = []string{}
	}
	b, err := json.Marshal(entities)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.Record, error) {
	var rec model.Record
	var status string
	var confidence sql.NullFloat64
	var assignedType, structured, entities, notes sql.NullString

	err := row.Scan(&rec.ID, &rec.SourceText, &status, &confidence, &assignedType,
		&structured, &entities, &notes, &rec.CreatedAt, &rec.LastUpdated)
	if err != nil {
		return nil, err
	}

	rec.Status = model.Status(status)
	if confidence.Valid {
		rec.TriageConfidence = &confidence.Float64
	}
	rec.AssignedType = assignedType.String
	if structured.Valid {
		rec.StructuredData = []byte(structured.String)
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &rec.InvolvedEntities); err != nil {
			return nil, eris.Wrapf(err, "unmarshal involved_entities for %s", rec.ID)
		}
	}
	rec.Notes = notes.String
	return &rec, nil
}
