// Package geocode names monitoring locations for display.
package geocode

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lox/airwatch/internal/models"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org/reverse"

// Geocoder resolves a location to a human-readable name.
type Geocoder interface {
	Name(ctx context.Context, loc models.Location) (string, error)
}

// Fallback is the label used when no name is available: "lon lat".
func Fallback(loc models.Location) string {
	return strconv.FormatFloat(loc.Longitude(), 'f', -1, 64) + " " + strconv.FormatFloat(loc.Latitude(), 'f', -1, 64)
}

// NameOrFallback asks g for a name and falls back to the coordinates on
// any failure. g may be nil.
func NameOrFallback(ctx context.Context, g Geocoder, loc models.Location) string {
	if g == nil {
		return Fallback(loc)
	}
	name, err := g.Name(ctx, loc)
	if err != nil || name == "" {
		if err != nil {
			log.Printf("geocode: %s: %v", loc.Key(), err)
		}
		return Fallback(loc)
	}
	return name
}

// Nominatim reverse-geocodes through an OpenStreetMap Nominatim instance.
// Successful lookups are cached for the life of the process.
type Nominatim struct {
	client  *resty.Client
	baseURL string

	mu    sync.Mutex
	cache map[models.Location]string
}

func NewNominatim(baseURL string, timeout time.Duration) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "airwatch/1.0").
		SetHeader("Accept", "application/json")
	return &Nominatim{
		client:  client,
		baseURL: baseURL,
		cache:   make(map[models.Location]string),
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road          string `json:"road"`
		Suburb        string `json:"suburb"`
		Neighbourhood string `json:"neighbourhood"`
		City          string `json:"city"`
		Town          string `json:"town"`
		Village       string `json:"village"`
	} `json:"address"`
	Error string `json:"error"`
}

// label prefers "street, district" over the full display name, which
// repeats the country and postcode.
func (r reverseResponse) label() string {
	a := r.Address
	var parts []string
	for _, p := range []string{a.Road, firstNonEmpty(a.Neighbourhood, a.Suburb), firstNonEmpty(a.City, a.Town, a.Village)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	return r.DisplayName
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (n *Nominatim) Name(ctx context.Context, loc models.Location) (string, error) {
	n.mu.Lock()
	name, ok := n.cache[loc]
	n.mu.Unlock()
	if ok {
		return name, nil
	}

	var out reverseResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "jsonv2",
			"lat":    strconv.FormatFloat(loc.Latitude(), 'f', -1, 64),
			"lon":    strconv.FormatFloat(loc.Longitude(), 'f', -1, 64),
			"zoom":   "17",
		}).
		SetResult(&out).
		Get(n.baseURL)
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("reverse geocode: status %d", resp.StatusCode())
	}
	if out.Error != "" {
		return "", fmt.Errorf("reverse geocode: %s", out.Error)
	}

	name = out.label()
	if name == "" {
		return "", fmt.Errorf("reverse geocode: empty result")
	}
	n.mu.Lock()
	n.cache[loc] = name
	n.mu.Unlock()
	return name, nil
}
