package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/hypergraph-labs/extract-cli/internal/model"
)

// Pool abstracts the pgxpool methods the store needs, so tests can swap in
// a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	source_text       TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN (
		'pending_triage', 'pending_extraction', 'extraction_failed',
		'extraction_completed', 'pending_clustering', 'pending_refinement',
		'completed')),
	triage_confidence DOUBLE PRECISION,
	assigned_type     TEXT,
	structured_data   JSONB,
	involved_entities JSONB,
	notes             TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS derived_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	trigger    TEXT NOT NULL DEFAULT 'N/A',
	entities   JSONB NOT NULL DEFAULT '[]',
	summary    TEXT,
	source_id  TEXT NOT NULL REFERENCES records(id),
	processed  BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_derived_events_source_id ON derived_events(source_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin insert records")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := 0
	for _, rec := range recs {
		if !rec.Status.Valid() {
			return 0, eris.Errorf("postgres: record %s has unknown status %q", rec.ID, rec.Status)
		}
		entities, err := marshalEntities(rec.InvolvedEntities)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal entities for %s", rec.ID)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (id, source_text, status, triage_confidence, assigned_type,
			                      structured_data, involved_entities, notes, created_at, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.SourceText, string(rec.Status), rec.TriageConfidence,
			textOrNil(rec.AssignedType), bytesOrNil(rec.StructuredData), entities,
			textOrNil(rec.Notes), rec.CreatedAt, rec.LastUpdated,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert record %s", rec.ID)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit insert records")
	}
	return inserted, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecordPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) GetByStatus(ctx context.Context, status model.Status) ([]model.Record, error) {
	if !status.Valid() {
		return nil, eris.Errorf("postgres: unknown status %q", status)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE status = $1 ORDER BY id`,
		string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get by status")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		rec, err := scanRecordPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: get by status iterate")
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, patch RecordPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return eris.Errorf("postgres: unknown status %q", *patch.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if patch.Status != nil {
		if err := validateTransitionPg(ctx, tx, id, *patch.Status); err != nil {
			return err
		}
	}

	query := `UPDATE records SET last_updated = $1`
	args := []any{time.Now().UTC()}
	idx := 2

	appendSet := func(col string, val any) {
		query += `, ` + col + ` = $` + strconv.Itoa(idx)
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		appendSet("status", string(*patch.Status))
	}
	if patch.TriageConfidence != nil {
		appendSet("triage_confidence", *patch.TriageConfidence)
	}
	if patch.AssignedType != nil {
		appendSet("assigned_type", *patch.AssignedType)
	}
	if patch.StructuredData != nil {
		appendSet("structured_data", *patch.StructuredData)
	}
	if patch.InvolvedEntities != nil {
		entities, err := marshalEntities(*patch.InvolvedEntities)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal entities for %s", id)
		}
		appendSet("involved_entities", entities)
	}
	if patch.Notes != nil {
		appendSet("notes", *patch.Notes)
	}
	query += ` WHERE id = $` + strconv.Itoa(idx)
	args = append(args, id)

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update record")
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, to model.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := validateTransitionPg(ctx, tx, id, to); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE records SET status = $1, last_updated = $2 WHERE id = $3`,
		string(to), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit transition")
}

func validateTransitionPg(ctx context.Context, tx pgx.Tx, id string, to model.Status) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("record not found: %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status of %s", id)
	}
	if err := model.ValidateTransition(model.Status(current), to); err != nil {
		return eris.Wrapf(err, "record %s", id)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) ResetFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = $1, last_updated = $2
		 WHERE id IN (
			SELECT id FROM records WHERE status = $3 ORDER BY id LIMIT $4
		 )`,
		string(model.StatusPendingExtraction), time.Now().UTC(),
		string(model.StatusExtractionFailed), limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed records")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MissingEvents(ctx context.Context) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.source_text, r.status, r.triage_confidence, r.assigned_type,
		        r.structured_data, r.involved_entities, r.notes, r.created_at, r.last_updated
		 FROM records r
		 LEFT JOIN derived_events de ON r.id = de.source_id
		 WHERE r.status IN ($1, $2) AND de.id IS NULL
		 ORDER BY r.id`,
		string(model.StatusCompleted), string(model.StatusExtractionCompleted),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: missing events")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		rec, err := scanRecordPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan missing-event record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: missing events iterate")
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev model.DerivedEvent) (bool, error) {
	entities, err := marshalEntities(ev.Entities)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: marshal event entities for %s", ev.ID)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO derived_events (id, event_type, trigger, entities, summary, source_id, processed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.EventType, ev.Trigger, entities, ev.Summary, ev.SourceID, ev.Processed,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert event %s", ev.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetEventBySource(ctx context.Context, sourceID string) (*model.DerivedEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, event_type, trigger, entities, summary, source_id, processed
		 FROM derived_events WHERE source_id = $1`,
		sourceID,
	)

	var ev model.DerivedEvent
	var entitiesJSON []byte
	var summary *string
	err := row.Scan(&ev.ID, &ev.EventType, &ev.Trigger, &entitiesJSON, &summary, &ev.SourceID, &ev.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get event by source %s", sourceID)
	}
	if err := json.Unmarshal(entitiesJSON, &ev.Entities); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal event entities")
	}
	if summary != nil {
		ev.Summary = *summary
	}
	return &ev, nil
}

func (s *PostgresStore) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM derived_events`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count events")
}

// helpers

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bytesOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func scanRecordPg(row pgx.Row) (*model.Record, error) {
	var rec model.Record
	var status string
	var confidence *float64
	var assignedType, notes *string
	var structured, entities []byte

	err := row.Scan(&rec.ID, &rec.SourceText, &status, &confidence, &assignedType,
		&structured, &entities, &notes, &rec.CreatedAt, &rec.LastUpdated)
	if err != nil {
		return nil, err
	}

	rec.Status = model.Status(status)
	rec.TriageConfidence = confidence
	if assignedType != nil {
		rec.AssignedType = *assignedType
	}
	rec.StructuredData = structured
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &rec.InvolvedEntities); err != nil {
			return nil, eris.Wrapf(err, "unmarshal involved_entities for %s", rec.ID)
		}
	}
	if notes != nil {
		rec.Notes = *notes
	}
	return &rec, nil
}
