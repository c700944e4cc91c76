package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/airwatch/internal/models"
)

// PollutantCursor names the watermark row for the pollutant fetch.
const PollutantCursor = "pollutants"

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

const readingColumns = `lon_e6, lat_e6, observed_at, pm2_5, pm10, humidity, temperature, wind_speed, wind_direction, wind_direction_name, created_at, updated_at`

// UpsertReading inserts r or merges it into the stored row with the same
// (location, observed_at). Pollutant values take the newest non-null value;
// weather values only fill nulls. changed is false when the statement left
// the table untouched.
func (s *Store) UpsertReading(ctx context.Context, r models.Reading) (changed bool, err error) {
	now := s.now().UTC().Unix()
	res, err := s.exec(ctx, `
		INSERT INTO readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lon_e6, lat_e6, observed_at) DO UPDATE SET
			pm2_5 = COALESCE(excluded.pm2_5, readings.pm2_5),
			pm10 = COALESCE(excluded.pm10, readings.pm10),
			humidity = COALESCE(readings.humidity, excluded.humidity),
			temperature = COALESCE(readings.temperature, excluded.temperature),
			wind_speed = COALESCE(readings.wind_speed, excluded.wind_speed),
			wind_direction = COALESCE(readings.wind_direction, excluded.wind_direction),
			wind_direction_name = COALESCE(readings.wind_direction_name, excluded.wind_direction_name),
			updated_at = excluded.updated_at
		WHERE COALESCE(excluded.pm2_5, readings.pm2_5) IS DISTINCT FROM readings.pm2_5
			OR COALESCE(excluded.pm10, readings.pm10) IS DISTINCT FROM readings.pm10
			OR (readings.humidity IS NULL AND excluded.humidity IS NOT NULL)
			OR (readings.temperature IS NULL AND excluded.temperature IS NOT NULL)
			OR (readings.wind_speed IS NULL AND excluded.wind_speed IS NOT NULL)
			OR (readings.wind_direction IS NULL AND excluded.wind_direction IS NOT NULL)
			OR (readings.wind_direction_name IS NULL AND excluded.wind_direction_name IS NOT NULL)
	`, r.Location.LonE6, r.Location.LatE6, r.ObservedAt.UTC().Unix(),
		r.PM25, r.PM10, r.Humidity, r.Temperature, r.WindSpeed, r.WindDirection, r.WindDirectionName,
		now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BackfillWeather fills the null weather columns of an existing row. It
// never inserts: a missing row is reported as changed == false.
func (s *Store) BackfillWeather(ctx context.Context, loc models.Location, observedAt time.Time, w models.Weather) (changed bool, err error) {
	res, err := s.exec(ctx, `
		UPDATE readings SET
			humidity = COALESCE(humidity, ?),
			temperature = COALESCE(temperature, ?),
			wind_speed = COALESCE(wind_speed, ?),
			wind_direction = COALESCE(wind_direction, ?),
			wind_direction_name = COALESCE(wind_direction_name, ?),
			updated_at = ?
		WHERE lon_e6 = ? AND lat_e6 = ? AND observed_at = ?
			AND (humidity IS NULL OR temperature IS NULL OR wind_speed IS NULL
				OR wind_direction IS NULL OR wind_direction_name IS NULL)
	`, w.Humidity, w.Temperature, w.WindSpeed, w.WindDirection, w.WindDirectionName,
		s.now().UTC().Unix(), loc.LonE6, loc.LatE6, observedAt.UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanReading(rows *sql.Rows) (models.Reading, error) {
	var r models.Reading
	var observedAt, createdAt, updatedAt int64
	err := rows.Scan(&r.Location.LonE6, &r.Location.LatE6, &observedAt,
		&r.PM25, &r.PM10, &r.Humidity, &r.Temperature, &r.WindSpeed, &r.WindDirection, &r.WindDirectionName,
		&createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.ObservedAt = time.Unix(observedAt, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return r, nil
}

func collectReadings(rows *sql.Rows) ([]models.Reading, error) {
	defer rows.Close()
	var readings []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetReading returns the stored row for the key, or nil.
func (s *Store) GetReading(ctx context.Context, loc models.Location, observedAt time.Time) (*models.Reading, error) {
	rows, err := s.query(ctx, `SELECT `+readingColumns+` FROM readings WHERE lon_e6 = ? AND lat_e6 = ? AND observed_at = ?`,
		loc.LonE6, loc.LatE6, observedAt.UTC().Unix())
	if err != nil {
		return nil, err
	}
	readings, err := collectReadings(rows)
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	return &readings[0], nil
}

// GetReadings returns readings in (from, to], oldest first. A nil location
// returns every location.
func (s *Store) GetReadings(ctx context.Context, loc *models.Location, from, to time.Time) ([]models.Reading, error) {
	q := `SELECT ` + readingColumns + ` FROM readings WHERE observed_at > ? AND observed_at <= ?`
	args := []any{from.UTC().Unix(), to.UTC().Unix()}
	if loc != nil {
		q += ` AND lon_e6 = ? AND lat_e6 = ?`
		args = append(args, loc.LonE6, loc.LatE6)
	}
	q += ` ORDER BY observed_at ASC, lon_e6 ASC, lat_e6 ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// GetIncompleteReadings returns readings observed at or after since that
// still miss a numeric weather attribute, oldest first. Rows whose weather
// was last checked at or after checkedBefore are skipped; a zero
// checkedBefore returns every incomplete row.
func (s *Store) GetIncompleteReadings(ctx context.Context, since, checkedBefore time.Time) ([]models.Reading, error) {
	q := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE observed_at >= ?
			AND (humidity IS NULL OR temperature IS NULL OR wind_speed IS NULL OR wind_direction IS NULL)`
	args := []any{since.UTC().Unix()}
	if !checkedBefore.IsZero() {
		q += ` AND (weather_checked_at IS NULL OR weather_checked_at < ?)`
		args = append(args, checkedBefore.UTC().Unix())
	}
	q += ` ORDER BY observed_at ASC, lon_e6 ASC, lat_e6 ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// MarkWeatherChecked records that the historical source was consulted for
// the given rows at at. Rows that do not exist are ignored.
func (s *Store) MarkWeatherChecked(ctx context.Context, readings []models.Reading, at time.Time) error {
	for _, r := range readings {
		if _, err := s.exec(ctx, `
			UPDATE readings SET weather_checked_at = ?
			WHERE lon_e6 = ? AND lat_e6 = ? AND observed_at = ?
		`, at.UTC().Unix(), r.Location.LonE6, r.Location.LatE6, r.ObservedAt.UTC().Unix()); err != nil {
			return fmt.Errorf("mark %s at %s: %w", r.Location.Key(), r.ObservedAt.Format(time.RFC3339), err)
		}
	}
	return nil
}

// GetLocations lists every location with stored readings.
func (s *Store) GetLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT lon_e6, lat_e6 FROM readings ORDER BY lon_e6, lat_e6`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.LonE6, &l.LatE6); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

// Watermark returns the fetch boundary for cursor: the persisted cursor,
// else the newest stored reading, else fallback.
func (s *Store) Watermark(ctx context.Context, cursor string, fallback time.Time) (time.Time, error) {
	var wm int64
	err := s.queryRow(ctx, `SELECT watermark FROM ingest_cursor WHERE name = ?`, cursor).Scan(&wm)
	if err == nil {
		return time.Unix(wm, 0).UTC(), nil
	}
	if err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("read cursor %s: %w", cursor, err)
	}

	var latest sql.NullInt64
	if err := s.queryRow(ctx, `SELECT MAX(observed_at) FROM readings`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("latest reading: %w", err)
	}
	if latest.Valid {
		return time.Unix(latest.Int64, 0).UTC(), nil
	}
	return fallback.UTC(), nil
}

// AdvanceWatermark moves cursor forward to wm. Lower values are ignored so
// the cursor never decreases.
func (s *Store) AdvanceWatermark(ctx context.Context, cursor string, wm time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO ingest_cursor (name, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = excluded.updated_at
		WHERE excluded.watermark > ingest_cursor.watermark
	`, cursor, wm.UTC().Unix(), s.now().UTC().Unix())
	return err
}
