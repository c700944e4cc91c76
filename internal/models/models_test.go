package models

import (
	"database/sql"
	"testing"
	"time"
)

func TestNewLocation_Quantizes(t *testing.T) {
	a := NewLocation(27.318878173828125, 53.83348592751201)
	b := NewLocation(27.3188781738, 53.8334859275)
	if a != b {
		t.Errorf("NewLocation not stable: %+v vs %+v", a, b)
	}
	if got := a.Key(); got != "27.318878_53.833486" {
		t.Errorf("Key() = %q, want 27.318878_53.833486", got)
	}
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("27.807426452636722,53.95487343610632|27.31887817382813,53.83348592751201")
	if err != nil {
		t.Fatalf("ParseBBox: %v", err)
	}
	if b.MinLon != 27.31887817382813 || b.MaxLat != 53.95487343610632 {
		t.Errorf("corners not normalised: %+v", b)
	}
	if got, want := b.String(), "27.31887817382813,53.83348592751201|27.807426452636722,53.95487343610632"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	for _, bad := range []string{"", "1,2", "1,2|3", "a,b|c,d"} {
		if _, err := ParseBBox(bad); err == nil {
			t.Errorf("ParseBBox(%q) expected error", bad)
		}
	}
}

func TestWeather_FillFrom(t *testing.T) {
	w := Weather{
		Humidity: sql.NullFloat64{Float64: 60, Valid: true},
	}
	o := Weather{
		Humidity:    sql.NullFloat64{Float64: 99, Valid: true},
		Temperature: sql.NullFloat64{Float64: 18, Valid: true},
	}

	merged, changed := w.FillFrom(o)
	if !changed {
		t.Error("expected changed")
	}
	if merged.Humidity.Float64 != 60 {
		t.Errorf("Humidity overwritten: %v", merged.Humidity.Float64)
	}
	if !merged.Temperature.Valid || merged.Temperature.Float64 != 18 {
		t.Errorf("Temperature not filled: %+v", merged.Temperature)
	}
	if merged.Complete() {
		t.Error("merged should not be complete without wind")
	}

	if _, changed := merged.FillFrom(Weather{}); changed {
		t.Error("filling from empty weather should not change anything")
	}
}

func TestTimeWindow_ContainsHalfOpen(t *testing.T) {
	zone := time.UTC
	first := TimeWindow{
		From: time.Date(2024, 1, 1, 10, 0, 0, 0, zone),
		To:   time.Date(2024, 1, 1, 11, 0, 0, 0, zone),
		Zone: zone,
	}
	second := TimeWindow{
		From: time.Date(2024, 1, 1, 11, 0, 0, 0, zone),
		To:   time.Date(2024, 1, 1, 12, 0, 0, 0, zone),
		Zone: zone,
	}

	tests := []struct {
		at         time.Time
		wantFirst  bool
		wantSecond bool
	}{
		{time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), true, false},
		{time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), false, true},
		{time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), true, false},
		{time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), false, false},
	}
	for _, tt := range tests {
		if got := first.Contains(tt.at); got != tt.wantFirst {
			t.Errorf("first.Contains(%s) = %v, want %v", tt.at, got, tt.wantFirst)
		}
		if got := second.Contains(tt.at); got != tt.wantSecond {
			t.Errorf("second.Contains(%s) = %v, want %v", tt.at, got, tt.wantSecond)
		}
	}
}

func TestTimeWindow_ContainsAcrossZones(t *testing.T) {
	minsk := time.FixedZone("MSK", 3*60*60)
	w := TimeWindow{
		From: time.Date(2024, 6, 1, 11, 0, 0, 0, minsk),
		To:   time.Date(2024, 6, 1, 12, 0, 0, 0, minsk),
		Zone: minsk,
	}
	if !w.Contains(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)) {
		t.Error("08:00Z should fall in [11:00, 12:00) +03:00")
	}
	if w.Contains(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)) {
		t.Error("11:00Z is 14:00 local and must not match")
	}
}

func TestDateRange_Chunk(t *testing.T) {
	r := NewDateRange(
		time.Date(2024, 6, 5, 22, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
		time.UTC,
	)
	if got := len(r.Days()); got != 5 {
		t.Fatalf("Days() = %d, want 5", got)
	}

	chunks := r.Chunk(2)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if got := chunks[2].Start.Format("2006-01-02"); got != "2024-06-05" {
		t.Errorf("last chunk start = %s, want 2024-06-05", got)
	}
	if !chunks[2].End.Equal(r.End) {
		t.Errorf("last chunk end = %s, want %s", chunks[2].End, r.End)
	}
}
