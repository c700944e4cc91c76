package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lox/airwatch/internal/api"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/models"
	"github.com/lox/airwatch/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, store.SQLite)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

var (
	minsk = models.NewLocation(27.5, 53.9)
	other = models.NewLocation(27.6, 53.85)
	day   = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC) // Monday
	since = strconv.FormatInt(day.Add(-time.Hour).UnixMilli(), 10)
)

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	rows := []models.Reading{
		{Location: minsk, ObservedAt: day, PM25: nf(10), PM10: nf(20), Weather: models.Weather{
			Humidity: nf(60), Temperature: nf(18), WindSpeed: nf(3), WindDirection: nf(200),
			WindDirectionName: sql.NullString{String: "SSW", Valid: true},
		}},
		{Location: minsk, ObservedAt: day.Add(time.Hour), PM25: nf(30), Weather: models.Weather{WindDirection: nf(200)}},
		{Location: other, ObservedAt: day, PM10: nf(5)},
	}
	for _, r := range rows {
		if _, err := s.UpsertReading(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
}

func get(t *testing.T, srv *api.Server, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v\n%s", target, err, w.Body.String())
		}
	}
	return w
}

type fakeStatus struct {
	state  ingest.State
	report *ingest.Report
}

func (f fakeStatus) State() ingest.State        { return f.state }
func (f fakeStatus) LastReport() *ingest.Report { return f.report }

type fakeGeocoder map[models.Location]string

func (f fakeGeocoder) Name(ctx context.Context, loc models.Location) (string, error) {
	if name, ok := f[loc]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	var health api.HealthStatus
	w := get(t, srv, "/health", &health)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if health.Status != "ok" || health.State != "idle" {
		t.Errorf("health = %+v", health)
	}
	if health.RecentErrors == nil {
		t.Error("recent_errors should be an empty array, not null")
	}
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	run, err := s.StartIngestRun(ctx, "cycle-1", "openweather", "http://example/weather", "27.5_53.9")
	if err != nil {
		t.Fatal(err)
	}
	run.ErrorMessage = sql.NullString{String: "source unavailable: status 502", Valid: true}
	run.HTTPStatus = sql.NullInt64{Int64: 502, Valid: true}
	if err := s.CompleteIngestRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	status := fakeStatus{state: ingest.StateFetchingWeather, report: &ingest.Report{
		CycleID: "cycle-1",
		Errors:  []ingest.UnitError{{Location: "27.5_53.9", Stage: ingest.StageWeather, Message: "boom"}},
	}}
	srv := api.NewServer(s, "8080", time.UTC, api.Options{Status: status})

	var health api.HealthStatus
	w := get(t, srv, "/health", &health)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if health.Status != "degraded" || health.State != "fetching_weather" {
		t.Errorf("health = %+v", health)
	}
	if health.LastCycle == nil || health.LastCycle.CycleID != "cycle-1" {
		t.Errorf("last_cycle = %+v", health.LastCycle)
	}
	if len(health.RecentErrors) != 1 || health.RecentErrors[0].HTTPStatus != 502 || health.RecentErrors[0].Location != "27.5_53.9" {
		t.Errorf("recent_errors = %+v", health.RecentErrors)
	}
}

func TestPayloads_FromHealthError(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	run, err := s.StartIngestRun(ctx, "cycle-2", "hackair", "measurements", "")
	if err != nil {
		t.Fatal(err)
	}
	run.ErrorMessage = sql.NullString{String: "decode measurements: unexpected EOF", Valid: true}
	if err := s.CompleteIngestRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"data":[{"loc":`)
	if _, err := s.StoreRawPayload(ctx, run.ID, "hackair", "measurements", "", body); err != nil {
		t.Fatal(err)
	}

	srv := api.NewServer(s, "8080", time.UTC, api.Options{})
	var health api.HealthStatus
	get(t, srv, "/health", &health)
	if len(health.RecentErrors) != 1 {
		t.Fatalf("recent_errors = %+v", health.RecentErrors)
	}
	hash := health.RecentErrors[0].PayloadHash
	if hash != store.PayloadHash(body) {
		t.Fatalf("payload_hash = %q, want %q", hash, store.PayloadHash(body))
	}

	w := get(t, srv, "/payloads/"+hash, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != string(body) {
		t.Errorf("body = %q, want %q", w.Body.String(), body)
	}
	if got := w.Header().Get("X-Payload-Source"); got != "hackair" {
		t.Errorf("X-Payload-Source = %q", got)
	}

	if w := get(t, srv, "/payloads/unknown", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown hash: expected 404, got %d", w.Code)
	}
}

func TestMeasurements_Grouped(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	var got map[string][]api.Measurement
	w := get(t, srv, "/measurements?from="+since, &got)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2: %v", len(got), got)
	}
	rows := got["27.5_53.9"]
	if len(rows) != 2 {
		t.Fatalf("minsk rows = %d, want 2", len(rows))
	}
	first := rows[0]
	if !first.TimeStamp.Equal(day) || *first.PM25 != 10 || *first.WindDirectionName != "SSW" || first.Longitude != 27.5 {
		t.Errorf("first = %+v", first)
	}
	if rows[1].Humidity != nil || rows[1].PM10 != nil {
		t.Errorf("second should carry nulls: %+v", rows[1])
	}
	if !strings.Contains(w.Body.String(), `"pm10":null`) {
		t.Error("null values should be encoded as null")
	}
}

func TestMeasurements_SingleLocation(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	var got []api.Measurement
	w := get(t, srv, "/measurements?from="+day.Add(-time.Hour).Format(time.RFC3339)+"&longitude=27.6&latitude=53.85", &got)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(got) != 1 || *got[0].PM10 != 5 || got[0].PM25 != nil {
		t.Errorf("got %+v", got)
	}
}

func TestMeasurements_FromIsExclusive(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	var got []api.Measurement
	from := strconv.FormatInt(day.UnixMilli(), 10)
	get(t, srv, "/measurements?from="+from+"&longitude=27.5&latitude=53.9", &got)
	if len(got) != 1 || !got[0].TimeStamp.Equal(day.Add(time.Hour)) {
		t.Errorf("got %+v, want only the row after from", got)
	}
}

func TestMeasurements_Empty(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	w := get(t, srv, "/measurements?longitude=27.5&latitude=53.9", nil)
	if w.Code != 200 || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("single location: %d %q", w.Code, w.Body.String())
	}
	w = get(t, srv, "/measurements", nil)
	if w.Code != 200 || strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("all locations: %d %q", w.Code, w.Body.String())
	}
}

func TestReadRoutes_BadParams(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	tests := []struct {
		name   string
		target string
	}{
		{"bad from", "/measurements?from=yesterday"},
		{"bad to", "/daily?to=2024-13-01"},
		{"to before from", "/measurements?from=2024-06-02T00:00:00Z&to=2024-06-01T00:00:00Z"},
		{"longitude only", "/polarChart?longitude=27.5"},
		{"latitude out of range", "/dayOfWeek?longitude=27.5&latitude=95"},
		{"longitude not a number", "/measurements?longitude=east&latitude=53.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(t, srv, tt.target, nil); w.Code != http.StatusBadRequest {
				t.Errorf("%s: got %d, want 400", tt.target, w.Code)
			}
		})
	}
}

func TestPolarChart(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{})

	var got map[string][]struct {
		WindDirection float64  `json:"wind_direction"`
		PM25Avg       *float64 `json:"pm2_5_avg"`
		PM10Avg       *float64 `json:"pm10_avg"`
	}
	w := get(t, srv, "/polarChart", &got)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	rows := got["27.5_53.9"]
	if len(rows) != 1 || rows[0].WindDirection != 200 || *rows[0].PM25Avg != 20 || *rows[0].PM10Avg != 20 {
		t.Errorf("minsk = %+v", rows)
	}
	// other has no wind direction.
	if len(got["27.6_53.85"]) != 0 {
		t.Errorf("other = %+v", got["27.6_53.85"])
	}
}

func TestDayOfWeekAndDaily(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.FixedZone("MSK", 3*3600), api.Options{})

	var weekdays []struct {
		Weekday int      `json:"day_of_week"`
		PM25Avg *float64 `json:"pm2_5_avg"`
	}
	get(t, srv, "/dayOfWeek?longitude=27.5&latitude=53.9", &weekdays)
	if len(weekdays) != 1 || weekdays[0].Weekday != int(time.Monday) || *weekdays[0].PM25Avg != 20 {
		t.Errorf("dayOfWeek = %+v", weekdays)
	}

	var daily []struct {
		Date  string `json:"date"`
		Count int    `json:"count"`
	}
	get(t, srv, "/daily?longitude=27.5&latitude=53.9", &daily)
	if len(daily) != 1 || daily[0].Date != "2024-06-03" || daily[0].Count != 2 {
		t.Errorf("daily = %+v", daily)
	}
}

func TestPositions(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{Geocoder: fakeGeocoder{minsk: "Independence Ave, Minsk"}})

	var got []api.Position
	w := get(t, srv, "/positions", &got)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(got) != 2 {
		t.Fatalf("got %d positions, want 2", len(got))
	}
	if got[0].Key != "27.5_53.9" || got[0].Name != "Independence Ave, Minsk" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Name != "27.6 53.85" {
		t.Errorf("fallback name = %q", got[1].Name)
	}
}

func TestCORSAndMetrics(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, "8080", time.UTC, api.Options{CORSOrigins: []string{"https://dashboard.example"}})

	req := httptest.NewRequest("GET", "/positions", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/positions", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got %q", got)
	}

	if w := get(t, srv, "/metrics", nil); w.Code != 200 {
		t.Errorf("/metrics = %d", w.Code)
	}
}
