package models

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// coordScale quantizes degrees to micro-degrees (~0.1 m), which is finer
// than any upstream reports and stable across float formatting.
const coordScale = 1e6

// Location is a fixed monitoring point keyed by its quantized coordinates.
type Location struct {
	LonE6 int64
	LatE6 int64
}

func NewLocation(lon, lat float64) Location {
	return Location{
		LonE6: int64(math.Round(lon * coordScale)),
		LatE6: int64(math.Round(lat * coordScale)),
	}
}

func (l Location) Longitude() float64 { return float64(l.LonE6) / coordScale }
func (l Location) Latitude() float64  { return float64(l.LatE6) / coordScale }

// Key renders the location as "lon_lat", the grouping key the dashboard uses.
func (l Location) Key() string {
	return strconv.FormatFloat(l.Longitude(), 'f', -1, 64) + "_" + strconv.FormatFloat(l.Latitude(), 'f', -1, 64)
}

func (l Location) String() string { return l.Key() }

// Less orders locations by longitude then latitude.
func (l Location) Less(o Location) bool {
	if l.LonE6 != o.LonE6 {
		return l.LonE6 < o.LonE6
	}
	return l.LatE6 < o.LatE6
}

// BBox is the rectangle the pollutant source is queried for.
type BBox struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
}

// ParseBBox parses "lon,lat|lon,lat" (two opposite corners).
func ParseBBox(s string) (BBox, error) {
	corners := strings.Split(strings.TrimSpace(s), "|")
	if len(corners) != 2 {
		return BBox{}, fmt.Errorf("bbox %q: want two corners separated by |", s)
	}
	var pts [2][2]float64
	for i, c := range corners {
		parts := strings.Split(c, ",")
		if len(parts) != 2 {
			return BBox{}, fmt.Errorf("bbox corner %q: want lon,lat", c)
		}
		for j, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return BBox{}, fmt.Errorf("bbox corner %q: %w", c, err)
			}
			pts[i][j] = v
		}
	}
	return BBox{
		MinLon: math.Min(pts[0][0], pts[1][0]),
		MinLat: math.Min(pts[0][1], pts[1][1]),
		MaxLon: math.Max(pts[0][0], pts[1][0]),
		MaxLat: math.Max(pts[0][1], pts[1][1]),
	}, nil
}

// String renders the box in the hackAIR query format.
func (b BBox) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.MinLon) + "," + f(b.MinLat) + "|" + f(b.MaxLon) + "," + f(b.MaxLat)
}

// Weather holds the meteorological attributes of a Reading. Every field is
// populated independently and may arrive in a later cycle than the pollutants.
type Weather struct {
	Humidity          sql.NullFloat64
	Temperature       sql.NullFloat64
	WindSpeed         sql.NullFloat64
	WindDirection     sql.NullFloat64
	WindDirectionName sql.NullString
}

// Complete reports whether all numeric weather attributes are present.
// The direction label is best-effort and does not count.
func (w Weather) Complete() bool {
	return w.Humidity.Valid && w.Temperature.Valid && w.WindSpeed.Valid && w.WindDirection.Valid
}

func (w Weather) Empty() bool {
	return !w.Humidity.Valid && !w.Temperature.Valid && !w.WindSpeed.Valid && !w.WindDirection.Valid && !w.WindDirectionName.Valid
}

// FillFrom returns w with its null fields taken from o. Present values are
// never overwritten. changed reports whether any field was filled.
func (w Weather) FillFrom(o Weather) (merged Weather, changed bool) {
	merged = w
	fill := func(dst *sql.NullFloat64, src sql.NullFloat64) {
		if !dst.Valid && src.Valid {
			*dst = src
			changed = true
		}
	}
	fill(&merged.Humidity, o.Humidity)
	fill(&merged.Temperature, o.Temperature)
	fill(&merged.WindSpeed, o.WindSpeed)
	fill(&merged.WindDirection, o.WindDirection)
	if !merged.WindDirectionName.Valid && o.WindDirectionName.Valid {
		merged.WindDirectionName = o.WindDirectionName
		changed = true
	}
	return merged, changed
}

// Reading is the persisted, merged measurement row. (Location, ObservedAt)
// is unique.
type Reading struct {
	Location   Location
	ObservedAt time.Time
	PM25       sql.NullFloat64
	PM10       sql.NullFloat64
	Weather
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PollutantFragment is the pollutant source's partial view of a Reading.
type PollutantFragment struct {
	Location   Location
	ObservedAt time.Time
	PM25       sql.NullFloat64
	PM10       sql.NullFloat64
}

// TimeWindow is the half-open civil-time interval [From, To) in Zone.
type TimeWindow struct {
	From time.Time
	To   time.Time
	Zone *time.Location
}

// Contains reports whether t falls in [From, To) once expressed in the
// window's zone.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.Zone != nil {
		t = t.In(w.Zone)
	}
	return !t.Before(w.From) && t.Before(w.To)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// WindowObservation is weather reported by a station for one TimeWindow.
type WindowObservation struct {
	Station string
	Window  TimeWindow
	Weather Weather
}

// DateRange is an inclusive range of civil days in Zone. Start and End are
// midnights.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange spans the civil days of from and to in zone.
func NewDateRange(from, to time.Time, zone *time.Location) DateRange {
	if to.Before(from) {
		from, to = to, from
	}
	return DateRange{Start: midnight(from.In(zone)), End: midnight(to.In(zone))}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Days lists every civil day in the range.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Chunk splits the range into consecutive ranges of at most stride days.
func (r DateRange) Chunk(stride int) []DateRange {
	if stride < 1 {
		stride = 1
	}
	var chunks []DateRange
	for start := r.Start; !start.After(r.End); start = start.AddDate(0, 0, stride) {
		end := start.AddDate(0, 0, stride-1)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, DateRange{Start: start, End: end})
	}
	return chunks
}
