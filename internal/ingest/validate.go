package ingest

import (
	"time"

	"github.com/lox/airwatch/internal/models"
)

const (
	FlagPM25Negative      = "pm2_5_negative"
	FlagPM25Unlikely      = "pm2_5_unlikely"
	FlagPM10Negative      = "pm10_negative"
	FlagPM10Unlikely      = "pm10_unlikely"
	FlagPM10BelowPM25     = "pm10_below_pm2_5"
	FlagTempOutOfRange    = "temp_out_of_range"
	FlagHumidityInvalid   = "humidity_invalid"
	FlagWindDirInvalid    = "wind_dir_invalid"
	FlagWindSpeedUnlikely = "wind_speed_unlikely"
	FlagTimestampInFuture = "timestamp_in_future"
)

// Upper bounds beyond which a low-cost optical sensor is almost certainly
// faulty.
const (
	maxPM25 = 1000
	maxPM10 = 2000

	maxClockSkew = 10 * time.Minute
)

// ValidateReading returns the physical-range checks r fails. Flagged
// readings are still stored.
func ValidateReading(r *models.Reading, now time.Time) []string {
	var flags []string

	if r.PM25.Valid {
		switch {
		case r.PM25.Float64 < 0:
			flags = append(flags, FlagPM25Negative)
		case r.PM25.Float64 > maxPM25:
			flags = append(flags, FlagPM25Unlikely)
		}
	}

	if r.PM10.Valid {
		switch {
		case r.PM10.Float64 < 0:
			flags = append(flags, FlagPM10Negative)
		case r.PM10.Float64 > maxPM10:
			flags = append(flags, FlagPM10Unlikely)
		}
	}

	// PM10 includes PM2.5, small inversions are sensor noise.
	if r.PM25.Valid && r.PM10.Valid && r.PM10.Float64+5 < r.PM25.Float64 {
		flags = append(flags, FlagPM10BelowPM25)
	}

	if r.Temperature.Valid {
		if r.Temperature.Float64 < -50 || r.Temperature.Float64 > 50 {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if r.Humidity.Valid {
		if r.Humidity.Float64 < 0 || r.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if r.WindDirection.Valid {
		if r.WindDirection.Float64 < 0 || r.WindDirection.Float64 > 360 {
			flags = append(flags, FlagWindDirInvalid)
		}
	}

	if r.WindSpeed.Valid {
		if r.WindSpeed.Float64 < 0 || r.WindSpeed.Float64 > 60 {
			flags = append(flags, FlagWindSpeedUnlikely)
		}
	}

	if !now.IsZero() && r.ObservedAt.After(now.Add(maxClockSkew)) {
		flags = append(flags, FlagTimestampInFuture)
	}

	return flags
}
