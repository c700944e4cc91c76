package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// {{serial}} expands to the dialect's auto-increment primary key and
// {{blob}} to its binary column type.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS readings (
    lon_e6 BIGINT NOT NULL,
    lat_e6 BIGINT NOT NULL,
    observed_at BIGINT NOT NULL,
    pm2_5 DOUBLE PRECISION,
    pm10 DOUBLE PRECISION,
    humidity DOUBLE PRECISION,
    temperature DOUBLE PRECISION,
    wind_speed DOUBLE PRECISION,
    wind_direction DOUBLE PRECISION,
    wind_direction_name TEXT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (lon_e6, lat_e6, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_readings_time ON readings(observed_at);

CREATE TABLE IF NOT EXISTS ingest_cursor (
    name TEXT PRIMARY KEY,
    watermark BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Add ingest run auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id {{serial}},
    cycle_id TEXT,
    started_at BIGINT NOT NULL,
    finished_at BIGINT,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Index incomplete readings for back-fill",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_readings_incomplete ON readings(observed_at)
    WHERE humidity IS NULL OR temperature IS NULL OR wind_speed IS NULL OR wind_direction IS NULL;
`,
	},
	{
		Version:     4,
		Description: "Archive raw upstream payloads",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id {{serial}},
    ingest_run_id BIGINT,
    fetched_at BIGINT NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location TEXT,
    payload_compressed {{blob}} NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
	{
		Version:     5,
		Description: "Track weather back-fill attempts",
		SQL: `
ALTER TABLE readings ADD COLUMN weather_checked_at BIGINT;
`,
	},
}

func (s *Store) Migrate() error {
	return s.MigrateContext(context.Background())
}

func (s *Store) MigrateContext(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d: %s", m.Version, m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		ddl := strings.NewReplacer(
			"{{serial}}", s.dialect.serialPK(),
			"{{blob}}", s.dialect.blobType(),
		).Replace(m.SQL)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			s.dialect.rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at BIGINT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
