package api

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/airwatch/internal/aggregate"
	"github.com/lox/airwatch/internal/geocode"
	"github.com/lox/airwatch/internal/models"
)

// defaultSeriesWindow is how far back /measurements reaches without ?from.
const defaultSeriesWindow = 48 * time.Hour

// readQuery is the parsed form of the common read parameters. A nil
// location means every location, grouped by "lon_lat" key.
type readQuery struct {
	from, to time.Time
	location *models.Location
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want epoch milliseconds or RFC 3339, got %q", v)
	}
	return t.UTC(), nil
}

func (s *Server) parseReadQuery(r *http.Request, defaultFrom time.Time) (readQuery, error) {
	q := r.URL.Query()
	rq := readQuery{from: defaultFrom, to: s.now().UTC()}

	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return rq, fmt.Errorf("from: %w", err)
		}
		rq.from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return rq, fmt.Errorf("to: %w", err)
		}
		rq.to = t
	}
	if !rq.to.After(rq.from) {
		return rq, fmt.Errorf("to must be after from")
	}

	lon, lat := q.Get("longitude"), q.Get("latitude")
	switch {
	case lon == "" && lat == "":
	case lon == "" || lat == "":
		return rq, fmt.Errorf("longitude and latitude must be given together")
	default:
		x, err := strconv.ParseFloat(lon, 64)
		if err != nil || x < -180 || x > 180 {
			return rq, fmt.Errorf("longitude: invalid value %q", lon)
		}
		y, err := strconv.ParseFloat(lat, 64)
		if err != nil || y < -90 || y > 90 {
			return rq, fmt.Errorf("latitude: invalid value %q", lat)
		}
		loc := models.NewLocation(x, y)
		rq.location = &loc
	}
	return rq, nil
}

// readings loads the rows for rq and writes the error response itself when
// it fails.
func (s *Server) readings(w http.ResponseWriter, r *http.Request, defaultFrom time.Time) (readQuery, []models.Reading, bool) {
	rq, err := s.parseReadQuery(r, defaultFrom)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return rq, nil, false
	}
	readings, err := s.store.GetReadings(r.Context(), rq.location, rq.from, rq.to)
	if err != nil {
		log.Printf("api: %s: %v", r.URL.Path, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return rq, nil, false
	}
	return rq, readings, true
}

// respond writes project(readings) as an array for a single location, or
// as an object keyed by location for all of them.
func respond[T any](w http.ResponseWriter, rq readQuery, readings []models.Reading, project func([]models.Reading) []T) {
	if rq.location != nil {
		writeJSON(w, http.StatusOK, project(readings))
		return
	}
	grouped := make(map[string][]models.Reading)
	for _, rd := range readings {
		key := rd.Location.Key()
		grouped[key] = append(grouped[key], rd)
	}
	out := make(map[string][]T, len(grouped))
	for key, rows := range grouped {
		out[key] = project(rows)
	}
	writeJSON(w, http.StatusOK, out)
}

// Measurement is one row of the raw series.
type Measurement struct {
	Longitude         float64   `json:"longitude"`
	Latitude          float64   `json:"latitude"`
	TimeStamp         time.Time `json:"time_stamp"`
	PM25              *float64  `json:"pm2_5"`
	PM10              *float64  `json:"pm10"`
	Humidity          *float64  `json:"humidity"`
	Temperature       *float64  `json:"temperature"`
	WindSpeed         *float64  `json:"wind_speed"`
	WindDirection     *float64  `json:"wind_direction"`
	WindDirectionName *string   `json:"wind_direction_name"`
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func toMeasurements(readings []models.Reading) []Measurement {
	out := make([]Measurement, 0, len(readings))
	for _, rd := range readings {
		m := Measurement{
			Longitude:     rd.Location.Longitude(),
			Latitude:      rd.Location.Latitude(),
			TimeStamp:     rd.ObservedAt.UTC(),
			PM25:          nullable(rd.PM25),
			PM10:          nullable(rd.PM10),
			Humidity:      nullable(rd.Humidity),
			Temperature:   nullable(rd.Temperature),
			WindSpeed:     nullable(rd.WindSpeed),
			WindDirection: nullable(rd.WindDirection),
		}
		if rd.WindDirectionName.Valid {
			name := rd.WindDirectionName.String
			m.WindDirectionName = &name
		}
		out = append(out, m)
	}
	return out
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	rq, readings, ok := s.readings(w, r, s.now().UTC().Add(-defaultSeriesWindow))
	if !ok {
		return
	}
	respond(w, rq, readings, toMeasurements)
}

// Aggregate routes cover all history unless ?from is given.
var allHistory = time.Unix(0, 0).UTC()

func (s *Server) handlePolarChart(w http.ResponseWriter, r *http.Request) {
	rq, readings, ok := s.readings(w, r, allHistory)
	if !ok {
		return
	}
	respond(w, rq, readings, aggregate.WindDirection)
}

func (s *Server) handleDayOfWeek(w http.ResponseWriter, r *http.Request) {
	rq, readings, ok := s.readings(w, r, allHistory)
	if !ok {
		return
	}
	respond(w, rq, readings, func(rows []models.Reading) []aggregate.WeekdayAverage {
		return aggregate.DayOfWeek(rows, s.zone)
	})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	rq, readings, ok := s.readings(w, r, allHistory)
	if !ok {
		return
	}
	respond(w, rq, readings, func(rows []models.Reading) []aggregate.DailyAverage {
		return aggregate.Daily(rows, s.zone)
	})
}

type Position struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Key       string  `json:"key"`
	Name      string  `json:"name"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	locs, err := s.store.GetLocations(r.Context())
	if err != nil {
		log.Printf("api: positions: %v", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	out := make([]Position, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Position{
			Longitude: loc.Longitude(),
			Latitude:  loc.Latitude(),
			Key:       loc.Key(),
			Name:      geocode.NameOrFallback(r.Context(), s.geocoder, loc),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
