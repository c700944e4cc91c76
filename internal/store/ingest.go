package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit record of a single upstream fetch.
type IngestRun struct {
	ID                int64
	CycleID           string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "hackair", "openweather", "pogoda"
	Endpoint          string
	Location          sql.NullString
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
	// PayloadHash is set when a body of this run was archived.
	PayloadHash sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, cycleID, source, endpoint, location string) (*IngestRun, error) {
	run := &IngestRun{
		CycleID:   cycleID,
		StartedAt: s.now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
	}
	if location != "" {
		run.Location = sql.NullString{String: location, Valid: true}
	}

	err := s.queryRow(ctx, `
		INSERT INTO ingest_runs (cycle_id, started_at, source, endpoint, location, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
		RETURNING id
	`, run.CycleID, run.StartedAt.Unix(), run.Source, run.Endpoint, run.Location).Scan(&run.ID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}

	_, err := s.exec(ctx, `
		UPDATE ingest_runs SET
			started_at = ?,
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.StartedAt.UTC().Unix(), run.FinishedAt.Time.Unix(), run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentIngestErrors returns recent failed ingest runs, newest first.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.query(ctx, `
		SELECT id, cycle_id, started_at, finished_at, source, endpoint, location,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   parse_errors, success, error_message,
			   (SELECT MIN(p.payload_hash) FROM raw_payloads p WHERE p.ingest_run_id = ingest_runs.id)
		FROM ingest_runs
		WHERE success = FALSE AND finished_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		var cycleID sql.NullString
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &cycleID, &startedAt, &finishedAt, &r.Source, &r.Endpoint,
			&r.Location, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed, &r.RecordsStored,
			&r.ParseErrors, &r.Success, &r.ErrorMessage, &r.PayloadHash); err != nil {
			return nil, err
		}
		r.CycleID = cycleID.String
		r.StartedAt = time.Unix(startedAt, 0).UTC()
		if finishedAt.Valid {
			r.FinishedAt = sql.NullTime{Time: time.Unix(finishedAt.Int64, 0).UTC(), Valid: true}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
