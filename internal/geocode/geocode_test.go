package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lox/airwatch/internal/models"
)

func TestNominatim_NameCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("lat") != "53.8" || q.Get("lon") != "27.3" || q.Get("format") != "jsonv2" {
			t.Errorf("query = %v", q)
		}
		if ua := r.Header.Get("User-Agent"); ua != "airwatch/1.0" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"display_name":"vulica Niezaliežnasci, Minsk, Belarus","address":{"road":"vulica Niezaliežnasci","suburb":"Pieršamajski rajon","city":"Minsk","country":"Belarus"}}`))
	}))
	defer srv.Close()

	g := NewNominatim(srv.URL, time.Second)
	loc := models.NewLocation(27.3, 53.8)
	for i := 0; i < 2; i++ {
		name, err := g.Name(context.Background(), loc)
		if err != nil {
			t.Fatalf("Name: %v", err)
		}
		if name != "vulica Niezaliežnasci, Pieršamajski rajon, Minsk" {
			t.Errorf("name = %q", name)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (cached)", calls.Load())
	}
}

func TestNominatim_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{}`},
		{"unable to geocode", http.StatusOK, `{"error":"Unable to geocode"}`},
		{"empty", http.StatusOK, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewNominatim(srv.URL, time.Second)
			loc := models.NewLocation(27.3, 53.8)
			if _, err := g.Name(context.Background(), loc); err == nil {
				t.Fatal("expected error")
			}
			if got := NameOrFallback(context.Background(), g, loc); got != "27.3 53.8" {
				t.Errorf("fallback = %q", got)
			}
		})
	}
}

type failingGeocoder struct{}

func (failingGeocoder) Name(ctx context.Context, loc models.Location) (string, error) {
	return "", errors.New("offline")
}

func TestNameOrFallback(t *testing.T) {
	loc := models.NewLocation(27.318878, 53.833486)
	if got := NameOrFallback(context.Background(), nil, loc); got != "27.318878 53.833486" {
		t.Errorf("nil geocoder = %q", got)
	}
	if got := NameOrFallback(context.Background(), failingGeocoder{}, loc); got != "27.318878 53.833486" {
		t.Errorf("failing geocoder = %q", got)
	}
}
