package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/models"
)

const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

// OpenWeather fetches the current conditions for a coordinate pair.
type OpenWeather struct {
	src     *httputil.Source
	baseURL string
	apiKey  string
}

func NewOpenWeather(src *httputil.Source, baseURL, apiKey string) *OpenWeather {
	if baseURL == "" {
		baseURL = DefaultOpenWeatherURL
	}
	return &OpenWeather{src: src, baseURL: baseURL, apiKey: apiKey}
}

func (o *OpenWeather) Name() string { return o.src.Name() }

type openWeatherResponse struct {
	Main *struct {
		Humidity *number `json:"humidity" validate:"required"`
		Temp     *number `json:"temp" validate:"required"`
	} `json:"main" validate:"required"`
	Wind *struct {
		Speed *number `json:"speed" validate:"required"`
		Deg   *number `json:"deg"`
	} `json:"wind" validate:"required"`
}

func (o *OpenWeather) requestURL(loc models.Location) string {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Latitude(), 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Longitude(), 'f', -1, 64))
	q.Set("APPID", o.apiKey)
	q.Set("units", "metric")
	return o.baseURL + "?" + q.Encode()
}

// FetchCurrent returns the instantaneous weather at loc. Calm conditions
// often omit wind.deg, which leaves WindDirection null.
func (o *OpenWeather) FetchCurrent(ctx context.Context, loc models.Location) (models.Weather, *FetchResult, error) {
	body, result, err := get(ctx, o.src, "weather", o.requestURL(loc))
	if err != nil {
		return models.Weather{}, result, err
	}

	var resp openWeatherResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Weather{}, result, schemaError(o.Name(), fmt.Errorf("decode: %w", err))
	}
	if err := validate.Struct(resp); err != nil {
		return models.Weather{}, result, schemaError(o.Name(), err)
	}
	result.RecordCount = 1

	w := models.Weather{
		Humidity:    resp.Main.Humidity.null(),
		Temperature: resp.Main.Temp.null(),
		WindSpeed:   resp.Wind.Speed.null(),
	}
	if resp.Wind.Deg != nil {
		w.WindDirection = resp.Wind.Deg.null()
		if w.WindDirection.Valid {
			w.WindDirectionName = sql.NullString{String: CompassPoint(w.WindDirection.Float64), Valid: true}
		}
	}
	if w.Empty() {
		return models.Weather{}, result, schemaError(o.Name(), fmt.Errorf("no weather values"))
	}
	return w, result, nil
}
