package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/models"
)

const (
	DefaultPogodaURL     = "http://pogoda.by/meteograph/jsonp.php"
	DefaultPogodaStation = "26850"
	DefaultPogodaZone    = "Europe/Minsk"
)

// Pogoda reads the FM-12 synoptic archive of one pogoda.by station. The
// archive reports observations as intervals in the station's civil time.
type Pogoda struct {
	src     *httputil.Source
	baseURL string
	station string
	zone    *time.Location
}

func NewPogoda(src *httputil.Source, baseURL, station string, zone *time.Location) *Pogoda {
	if baseURL == "" {
		baseURL = DefaultPogodaURL
	}
	if station == "" {
		station = DefaultPogodaStation
	}
	if zone == nil {
		zone = time.UTC
	}
	return &Pogoda{src: src, baseURL: baseURL, station: station, zone: zone}
}

func (p *Pogoda) Name() string         { return p.src.Name() }
func (p *Pogoda) Station() string      { return p.station }
func (p *Pogoda) Zone() *time.Location { return p.zone }

var jsonpWrapper = regexp.MustCompile(`(?s)^\s*[A-Za-z_$][\w$.]*\((.*)\)\s*;?\s*$`)

// stripJSONP unwraps callback(...); and returns plain JSON bodies as is.
func stripJSONP(body []byte) []byte {
	if m := jsonpWrapper.FindSubmatch(body); m != nil {
		return m[1]
	}
	return bytes.TrimSpace(body)
}

type attrs[T any] struct {
	Attributes T `json:"@attributes"`
}

type pogodaValue struct {
	Value number `json:"value"`
}

type pogodaWindDir struct {
	Deg  number `json:"deg"`
	Name string `json:"name"`
}

type pogodaWindSpeed struct {
	MS number `json:"ms"`
}

type pogodaEntry struct {
	Attributes *struct {
		From string `json:"from" validate:"required"`
		To   string `json:"to" validate:"required"`
	} `json:"@attributes" validate:"required"`
	Humidity    attrs[pogodaValue]     `json:"humidity"`
	Temperature attrs[pogodaValue]     `json:"temperature"`
	WindDir     attrs[pogodaWindDir]   `json:"windDirection"`
	WindSpeed   attrs[pogodaWindSpeed] `json:"windSpeed"`
}

type pogodaResponse struct {
	Conditions *struct {
		Tabular *struct {
			Time oneOrMany[json.RawMessage] `json:"time"`
		} `json:"tabular" validate:"required"`
	} `json:"conditions" validate:"required"`
}

var pogodaLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func (p *Pogoda) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range pogodaLayouts {
		if t, err := time.ParseInLocation(layout, s, p.zone); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(p.zone), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func (p *Pogoda) requestURL(day time.Time) string {
	// The archive path is passed through verbatim; jsonp.php forwards the
	// trailing dt parameter to it.
	return fmt.Sprintf("%s?url=print_FM12_archive-XML.php?plot=%s&dt=%s", p.baseURL, p.station, day.Format("2006-01-02"))
}

// FetchWindows fetches every civil day in days. Windows from days fetched
// before a failure are returned alongside the error.
func (p *Pogoda) FetchWindows(ctx context.Context, days models.DateRange) ([]models.WindowObservation, *FetchResult, error) {
	total := &FetchResult{Endpoint: "archive"}
	var windows []models.WindowObservation
	for _, day := range days.Days() {
		obs, result, err := p.fetchDay(ctx, day)
		total.HTTPStatus = result.HTTPStatus
		total.ResponseSize += result.ResponseSize
		total.RecordCount += result.RecordCount
		total.Payloads = append(total.Payloads, result.Payloads...)
		if result.ParseErrors > 0 {
			if total.ParseErrors == 0 {
				total.ParseError = result.ParseError
			}
			total.ParseErrors += result.ParseErrors
		}
		if err != nil {
			return windows, total, fmt.Errorf("%s: %w", day.Format("2006-01-02"), err)
		}
		windows = append(windows, obs...)
	}
	return windows, total, nil
}

func (p *Pogoda) fetchDay(ctx context.Context, day time.Time) ([]models.WindowObservation, *FetchResult, error) {
	body, result, err := get(ctx, p.src, "archive", p.requestURL(day.In(p.zone)))
	if err != nil {
		return nil, result, err
	}

	var resp pogodaResponse
	if err := json.Unmarshal(stripJSONP(body), &resp); err != nil {
		return nil, result, schemaError(p.Name(), fmt.Errorf("decode: %w", err))
	}
	if err := validate.Struct(resp); err != nil {
		return nil, result, schemaError(p.Name(), err)
	}
	entries := resp.Conditions.Tabular.Time
	result.RecordCount = len(entries)

	windows := make([]models.WindowObservation, 0, len(entries))
	for i, raw := range entries {
		var e pogodaEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			result.parseFailed(fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if err := validate.Struct(e); err != nil {
			result.parseFailed(fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		from, err := p.parseTime(e.Attributes.From)
		if err != nil {
			result.parseFailed(fmt.Errorf("entry %d: from: %w", i, err))
			continue
		}
		to, err := p.parseTime(e.Attributes.To)
		if err != nil {
			result.parseFailed(fmt.Errorf("entry %d: to: %w", i, err))
			continue
		}
		if !from.Before(to) {
			result.parseFailed(fmt.Errorf("entry %d: empty window %s", i, e.Attributes.From))
			continue
		}

		w := models.Weather{
			Humidity:      e.Humidity.Attributes.Value.null(),
			Temperature:   e.Temperature.Attributes.Value.null(),
			WindSpeed:     e.WindSpeed.Attributes.MS.null(),
			WindDirection: e.WindDir.Attributes.Deg.null(),
		}
		if name := strings.TrimSpace(e.WindDir.Attributes.Name); name != "" {
			w.WindDirectionName = sql.NullString{String: name, Valid: true}
		}
		windows = append(windows, models.WindowObservation{
			Station: p.station,
			Window:  models.TimeWindow{From: from, To: to, Zone: p.zone},
			Weather: w,
		})
	}
	return windows, result, nil
}
