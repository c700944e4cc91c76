package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is an archived upstream response body.
type RawPayload struct {
	ID                int64
	IngestRunID       sql.NullInt64
	FetchedAt         time.Time
	Source            string
	Endpoint          string
	Location          sql.NullString
	PayloadCompressed []byte
	PayloadHash       string
}

// PayloadHash is the dedup key of a raw body.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// StoreRawPayload archives a gzip-compressed copy of payload. stored is
// false when an identical body was already archived.
func (s *Store) StoreRawPayload(ctx context.Context, runID int64, source, endpoint, location string, payload []byte) (stored bool, err error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return false, fmt.Errorf("close gzip: %w", err)
	}

	ingestRunID := sql.NullInt64{Int64: runID, Valid: runID > 0}
	loc := sql.NullString{String: location, Valid: location != ""}

	res, err := s.exec(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, source, endpoint, location, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, ingestRunID, s.now().UTC().Unix(), source, endpoint, loc, buf.Bytes(), PayloadHash(payload))
	if err != nil {
		return false, fmt.Errorf("insert raw payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRawPayloadByHash returns the archived row, or nil when absent.
func (s *Store) GetRawPayloadByHash(ctx context.Context, hash string) (*RawPayload, error) {
	var p RawPayload
	var fetchedAt int64
	err := s.queryRow(ctx, `
		SELECT id, ingest_run_id, fetched_at, source, endpoint, location, payload_compressed, payload_hash
		FROM raw_payloads WHERE payload_hash = ?
	`, hash).Scan(&p.ID, &p.IngestRunID, &fetchedAt, &p.Source, &p.Endpoint,
		&p.Location, &p.PayloadCompressed, &p.PayloadHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	return &p, nil
}

// Decompress returns the original body.
func (p *RawPayload) Decompress() ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(p.PayloadCompressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// RawPayloadStats summarises the archive.
type RawPayloadStats struct {
	TotalCount     int              `json:"total_count"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	CountBySource  map[string]int   `json:"count_by_source"`
	SizeBySource   map[string]int64 `json:"size_by_source"`
}

func (s *Store) GetRawPayloadStats(ctx context.Context) (*RawPayloadStats, error) {
	stats := &RawPayloadStats{
		CountBySource: make(map[string]int),
		SizeBySource:  make(map[string]int64),
	}

	rows, err := s.query(ctx, `
		SELECT source, COUNT(*), SUM(LENGTH(payload_compressed))
		FROM raw_payloads
		GROUP BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int
		var size int64
		if err := rows.Scan(&source, &count, &size); err != nil {
			return nil, err
		}
		stats.CountBySource[source] = count
		stats.SizeBySource[source] = size
		stats.TotalCount += count
		stats.TotalSizeBytes += size
	}
	return stats, rows.Err()
}

// CleanupOldRawPayloads deletes payloads fetched before cutoff and returns
// the number removed.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
