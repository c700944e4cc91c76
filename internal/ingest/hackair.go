package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/models"
)

const (
	DefaultHackairURL     = "https://api.hackair.eu/measurements"
	DefaultHackairSources = "sensors_arduino,sensors_bleair,webservices"

	pollutantPM25 = "PM2.5_AirPollutantValue"
	pollutantPM10 = "PM10_AirPollutantValue"
)

// Hackair reads crowd-sourced PM measurements from the hackAIR API.
type Hackair struct {
	src     *httputil.Source
	baseURL string
	sources string
}

func NewHackair(src *httputil.Source, baseURL, sources string) *Hackair {
	if baseURL == "" {
		baseURL = DefaultHackairURL
	}
	if sources == "" {
		sources = DefaultHackairSources
	}
	return &Hackair{src: src, baseURL: baseURL, sources: sources}
}

func (h *Hackair) Name() string { return h.src.Name() }

type hackairResponse struct {
	Data []json.RawMessage `json:"data" validate:"required"`
}

type hackairRecord struct {
	Loc *struct {
		Coordinates []float64 `json:"coordinates" validate:"len=2"`
	} `json:"loc" validate:"required"`
	Datetime   *epoch `json:"datetime" validate:"required"`
	PollutantQ *struct {
		Name  string  `json:"name" validate:"required"`
		Value *number `json:"value" validate:"required"`
	} `json:"pollutant_q" validate:"required"`
}

// epoch decodes unix seconds given as a number, a numeric string or an
// RFC 3339 string.
type epoch struct {
	time.Time
}

func (e *epoch) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			e.Time = time.Unix(int64(v), 0).UTC()
			return nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("datetime %q: %w", s, err)
		}
		e.Time = t.UTC().Truncate(time.Second)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	e.Time = time.Unix(int64(v), 0).UTC()
	return nil
}

func (h *Hackair) requestURL(bbox models.BBox, since time.Time) string {
	q := url.Values{}
	q.Set("location", bbox.String())
	q.Set("timestampStart", since.UTC().Format("2006-01-02T15:04:05.000Z"))
	q.Set("show", "all")
	q.Set("source", h.sources)
	return h.baseURL + "?" + q.Encode()
}

// FetchPollutants returns one fragment per (location, timestamp) observed
// since the watermark. Within a group the first PM2.5 and the first PM10
// value win. Malformed records are dropped and counted.
func (h *Hackair) FetchPollutants(ctx context.Context, bbox models.BBox, since time.Time) ([]models.PollutantFragment, *FetchResult, error) {
	body, result, err := get(ctx, h.src, "measurements", h.requestURL(bbox, since))
	if err != nil {
		return nil, result, err
	}

	var resp hackairResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, result, schemaError(h.Name(), fmt.Errorf("decode: %w", err))
	}
	if err := validate.Struct(resp); err != nil {
		return nil, result, schemaError(h.Name(), err)
	}
	result.RecordCount = len(resp.Data)

	type groupKey struct {
		loc models.Location
		at  int64
	}
	groups := make(map[groupKey]*models.PollutantFragment)
	var order []groupKey

	for i, raw := range resp.Data {
		var rec hackairRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			result.parseFailed(fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if err := validate.Struct(rec); err != nil {
			result.parseFailed(fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if !rec.PollutantQ.Value.Valid {
			result.parseFailed(fmt.Errorf("record %d: empty pollutant value", i))
			continue
		}

		loc := models.NewLocation(rec.Loc.Coordinates[0], rec.Loc.Coordinates[1])
		key := groupKey{loc: loc, at: rec.Datetime.Unix()}
		frag, ok := groups[key]
		if !ok {
			frag = &models.PollutantFragment{Location: loc, ObservedAt: rec.Datetime.Time}
			groups[key] = frag
			order = append(order, key)
		}

		value := sql.NullFloat64{Float64: rec.PollutantQ.Value.Value, Valid: true}
		switch strings.TrimSpace(rec.PollutantQ.Name) {
		case pollutantPM25:
			if !frag.PM25.Valid {
				frag.PM25 = value
			}
		case pollutantPM10:
			if !frag.PM10.Valid {
				frag.PM10 = value
			}
		}
	}

	fragments := make([]models.PollutantFragment, 0, len(order))
	for _, key := range order {
		frag := groups[key]
		if !frag.PM25.Valid && !frag.PM10.Valid {
			continue
		}
		fragments = append(fragments, *frag)
	}
	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].Location != fragments[j].Location {
			return fragments[i].Location.Less(fragments[j].Location)
		}
		return fragments[i].ObservedAt.Before(fragments[j].ObservedAt)
	})
	return fragments, result, nil
}
