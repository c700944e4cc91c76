// Package aggregate projects stored readings into the averages the
// dashboard charts. Means ignore null values; a bucket with no values for
// a pollutant reports it as null.
package aggregate

import (
	"sort"
	"time"

	"github.com/lox/airwatch/internal/models"
)

// mean accumulates a nullable average.
type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64, ok bool) {
	if ok {
		m.sum += v
		m.n++
	}
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

type bucket struct {
	pm25, pm10 mean
	count      int
}

func (b *bucket) add(r models.Reading) {
	b.pm25.add(r.PM25.Float64, r.PM25.Valid)
	b.pm10.add(r.PM10.Float64, r.PM10.Valid)
	b.count++
}

// DailyAverage is the mean of one civil day.
type DailyAverage struct {
	Date    string   `json:"date"`
	PM25Avg *float64 `json:"pm2_5_avg"`
	PM10Avg *float64 `json:"pm10_avg"`
	Count   int      `json:"count"`
}

// Daily groups readings by calendar day in zone, oldest first.
func Daily(readings []models.Reading, zone *time.Location) []DailyAverage {
	if zone == nil {
		zone = time.UTC
	}
	buckets := make(map[string]*bucket)
	for _, r := range readings {
		day := r.ObservedAt.In(zone).Format(time.DateOnly)
		b, ok := buckets[day]
		if !ok {
			b = &bucket{}
			buckets[day] = b
		}
		b.add(r)
	}

	out := make([]DailyAverage, 0, len(buckets))
	for day, b := range buckets {
		out = append(out, DailyAverage{Date: day, PM25Avg: b.pm25.value(), PM10Avg: b.pm10.value(), Count: b.count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// WeekdayAverage is the mean over every reading on one weekday
// (0 Sunday .. 6 Saturday).
type WeekdayAverage struct {
	Weekday int      `json:"day_of_week"`
	PM25Avg *float64 `json:"pm2_5_avg"`
	PM10Avg *float64 `json:"pm10_avg"`
	Count   int      `json:"count"`
}

// DayOfWeek groups readings by weekday in zone. Weekdays without readings
// are omitted.
func DayOfWeek(readings []models.Reading, zone *time.Location) []WeekdayAverage {
	if zone == nil {
		zone = time.UTC
	}
	var buckets [7]bucket
	for _, r := range readings {
		buckets[r.ObservedAt.In(zone).Weekday()].add(r)
	}

	out := make([]WeekdayAverage, 0, 7)
	for d, b := range buckets {
		if b.count == 0 {
			continue
		}
		out = append(out, WeekdayAverage{Weekday: d, PM25Avg: b.pm25.value(), PM10Avg: b.pm10.value(), Count: b.count})
	}
	return out
}

// WindAverage is the mean of readings sharing one wind direction.
type WindAverage struct {
	WindDirection float64  `json:"wind_direction"`
	PM25Avg       *float64 `json:"pm2_5_avg"`
	PM10Avg       *float64 `json:"pm10_avg"`
	Count         int      `json:"count"`
}

// WindDirection groups readings by their observed wind direction,
// skipping readings without one. Rows are ordered by direction.
func WindDirection(readings []models.Reading) []WindAverage {
	buckets := make(map[float64]*bucket)
	for _, r := range readings {
		if !r.WindDirection.Valid {
			continue
		}
		b, ok := buckets[r.WindDirection.Float64]
		if !ok {
			b = &bucket{}
			buckets[r.WindDirection.Float64] = b
		}
		b.add(r)
	}

	out := make([]WindAverage, 0, len(buckets))
	for dir, b := range buckets {
		out = append(out, WindAverage{WindDirection: dir, PM25Avg: b.pm25.value(), PM10Avg: b.pm10.value(), Count: b.count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindDirection < out[j].WindDirection })
	return out
}
