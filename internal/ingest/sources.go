package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/models"
)

var validate = validator.New()

// FetchResult describes one upstream call for the ingest-run audit.
type FetchResult struct {
	Endpoint     string
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	ParseErrors  int
	ParseError   string // first parse error message
	// Payloads are the raw response bodies, one per request.
	Payloads [][]byte
}

func (r *FetchResult) parseFailed(err error) {
	if r.ParseErrors == 0 {
		r.ParseError = err.Error()
	}
	r.ParseErrors++
}

// PollutantSource fetches pollutant fragments observed since a watermark.
type PollutantSource interface {
	Name() string
	FetchPollutants(ctx context.Context, bbox models.BBox, since time.Time) ([]models.PollutantFragment, *FetchResult, error)
}

// CurrentWeatherSource returns an instantaneous snapshot for a location.
type CurrentWeatherSource interface {
	Name() string
	FetchCurrent(ctx context.Context, loc models.Location) (models.Weather, *FetchResult, error)
}

// HistoricalWeatherSource returns interval observations from one station
// for every civil day in a range.
type HistoricalWeatherSource interface {
	Name() string
	Station() string
	Zone() *time.Location
	FetchWindows(ctx context.Context, days models.DateRange) ([]models.WindowObservation, *FetchResult, error)
}

// get performs one guarded call, records metrics and classifies failures
// as ErrSourceUnavailable.
func get(ctx context.Context, src *httputil.Source, endpoint, url string) ([]byte, *FetchResult, error) {
	result := &FetchResult{Endpoint: endpoint}
	start := time.Now()
	resp, err := src.Get(ctx, url)
	metrics.SourceLatency.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
	if resp != nil {
		result.HTTPStatus = resp.StatusCode
		result.ResponseSize = len(resp.Body)
	}
	if err != nil {
		status := "error"
		var se *httputil.StatusError
		switch {
		case errors.As(err, &se):
			status = strconv.Itoa(se.StatusCode)
		case errors.Is(err, httputil.ErrCircuitOpen):
			status = "circuit_open"
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
		}
		metrics.SourceCallsTotal.WithLabelValues(src.Name(), status).Inc()
		return nil, result, unavailable(src.Name(), err)
	}
	metrics.SourceCallsTotal.WithLabelValues(src.Name(), "ok").Inc()
	result.Payloads = [][]byte{resp.Body}
	return resp.Body, result, nil
}

// number decodes JSON numbers and numeric strings. Blank strings decode as
// absent.
type number struct {
	Value float64
	Valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = number{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		*n = number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = number{Value: v, Valid: true}
	return nil
}

// oneOrMany decodes either a JSON array or a single object. XML-to-JSON
// bridges collapse one-element lists into bare objects.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var many []T
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*o = nil
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

func (n *number) null() sql.NullFloat64 {
	if n == nil || !n.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: n.Value, Valid: true}
}

var compassPoints = [...]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// CompassPoint names a bearing in degrees on the 16-point compass rose.
func CompassPoint(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return compassPoints[int(math.Round(deg/22.5))%len(compassPoints)]
}
