package export

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lox/airwatch/internal/models"
)

type writeRecorder struct {
	mu     sync.Mutex
	bodies []string
	query  string
}

func (rec *writeRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			t.Errorf("path = %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, string(body))
		rec.query = r.URL.RawQuery
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestInflux_WriteReadings(t *testing.T) {
	rec := &writeRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	ix := NewInflux(srv.URL, "token", "org", "airwatch")
	defer ix.Close()

	readings := []models.Reading{
		{
			Location:   models.NewLocation(27.3, 53.8),
			ObservedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
			PM25:       sql.NullFloat64{Float64: 12.5, Valid: true},
			Weather: models.Weather{
				Temperature:       sql.NullFloat64{Float64: 18, Valid: true},
				WindDirectionName: sql.NullString{String: "SW", Valid: true},
			},
		},
		// Nothing to write.
		{Location: models.NewLocation(27.4, 53.9), ObservedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	if err := ix.WriteReadings(context.Background(), readings); err != nil {
		t.Fatalf("WriteReadings: %v", err)
	}

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d writes, want 1", len(rec.bodies))
	}
	for _, q := range []string{"org=org", "bucket=airwatch", "precision=s"} {
		if !strings.Contains(rec.query, q) {
			t.Errorf("query %q missing %s", rec.query, q)
		}
	}
	lines := strings.Split(strings.TrimSpace(rec.bodies[0]), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), rec.bodies[0])
	}
	line := lines[0]
	for _, want := range []string{"readings,", "key=27.3_53.8", "lat=53.8", "lon=27.3", "pm2_5=12.5", "temperature=18", `wind_direction_name="SW"`, " 1717228800"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %s", line, want)
		}
	}
	if strings.Contains(line, "pm10=") || strings.Contains(line, "humidity=") {
		t.Errorf("null fields written: %q", line)
	}
}

func TestInflux_WriteEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	ix := NewInflux(srv.URL, "token", "org", "airwatch")
	defer ix.Close()
	if err := ix.WriteReadings(context.Background(), nil); err != nil {
		t.Fatalf("WriteReadings: %v", err)
	}
}

func TestInflux_WriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
	}))
	defer srv.Close()

	ix := NewInflux(srv.URL, "bad", "org", "airwatch")
	defer ix.Close()
	r := models.Reading{
		Location:   models.NewLocation(27.3, 53.8),
		ObservedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		PM10:       sql.NullFloat64{Float64: 20, Valid: true},
	}
	if err := ix.WriteReadings(context.Background(), []models.Reading{r}); err == nil {
		t.Fatal("expected error")
	}
}
