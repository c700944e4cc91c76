package ingest

import (
	"sort"
	"time"

	"github.com/lox/airwatch/internal/models"
)

// readingKey is the identity of a Reading at second precision.
type readingKey struct {
	loc models.Location
	at  int64
}

func keyOf(loc models.Location, t time.Time) readingKey {
	return readingKey{loc: loc, at: t.Unix()}
}

// MergeNew turns the cycle's pollutant fragments into Readings ready for
// upsert. Fragments with the same (location, second) collapse into one
// Reading, earlier fragments winning per field. Each Reading gets the
// current snapshot of its location when one was fetched. The result is
// ordered by location then time.
func MergeNew(fragments []models.PollutantFragment, snapshots map[models.Location]models.Weather) []models.Reading {
	index := make(map[readingKey]int, len(fragments))
	readings := make([]models.Reading, 0, len(fragments))

	for _, f := range fragments {
		k := keyOf(f.Location, f.ObservedAt)
		if i, ok := index[k]; ok {
			r := &readings[i]
			if !r.PM25.Valid {
				r.PM25 = f.PM25
			}
			if !r.PM10.Valid {
				r.PM10 = f.PM10
			}
			continue
		}
		index[k] = len(readings)
		readings = append(readings, models.Reading{
			Location:   f.Location,
			ObservedAt: time.Unix(k.at, 0).UTC(),
			PM25:       f.PM25,
			PM10:       f.PM10,
		})
	}

	for i := range readings {
		if snap, ok := snapshots[readings[i].Location]; ok {
			readings[i].Weather, _ = readings[i].Weather.FillFrom(snap)
		}
	}

	sort.SliceStable(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if a.Location != b.Location {
			return a.Location.Less(b.Location)
		}
		return a.ObservedAt.Before(b.ObservedAt)
	})
	return readings
}

// MatchWindow returns the first observation whose window contains t.
// Correct sources report disjoint windows; on overlap the earlier entry
// in windows wins.
func MatchWindow(t time.Time, windows []models.WindowObservation) (models.WindowObservation, bool) {
	for _, w := range windows {
		if w.Window.Contains(t) {
			return w, true
		}
	}
	return models.WindowObservation{}, false
}

// FillFromWindows completes in place the readings still missing weather
// attributes using matching windows. It returns how many readings gained
// at least one value.
func FillFromWindows(readings []models.Reading, windows []models.WindowObservation) int {
	if len(windows) == 0 {
		return 0
	}
	filled := 0
	for i := range readings {
		if readings[i].Complete() {
			continue
		}
		w, ok := MatchWindow(readings[i].ObservedAt, windows)
		if !ok {
			continue
		}
		var changed bool
		readings[i].Weather, changed = readings[i].Weather.FillFrom(w.Weather)
		if changed {
			filled++
		}
	}
	return filled
}

// Backfill matches stored incomplete readings against windows and returns
// the merged readings that gained at least one weather value. Readings
// without a matching window are skipped; a later cycle retries them.
// Present values are never replaced.
func Backfill(incomplete []models.Reading, windows []models.WindowObservation) []models.Reading {
	var updates []models.Reading
	for _, r := range incomplete {
		if r.Complete() {
			continue
		}
		w, ok := MatchWindow(r.ObservedAt, windows)
		if !ok {
			continue
		}
		merged, changed := r.Weather.FillFrom(w.Weather)
		if !changed {
			continue
		}
		r.Weather = merged
		updates = append(updates, r)
	}
	return updates
}

// needsHistory returns the earliest and latest observation times among
// readings missing weather. ok is false when every reading is complete.
func needsHistory(sets ...[]models.Reading) (first, last time.Time, ok bool) {
	for _, set := range sets {
		for _, r := range set {
			if r.Complete() {
				continue
			}
			if !ok || r.ObservedAt.Before(first) {
				first = r.ObservedAt
			}
			if !ok || r.ObservedAt.After(last) {
				last = r.ObservedAt
			}
			ok = true
		}
	}
	return first, last, ok
}
