// Package export mirrors stored readings into InfluxDB for dashboards that
// read time series directly.
package export

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lox/airwatch/internal/models"
)

const Measurement = "readings"

// Influx writes readings as points of the "readings" measurement, tagged by
// location. The reading timestamp is the point time, so re-exporting an
// updated reading overwrites the earlier point.
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	bucket string
}

func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetPrecision(time.Second))
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
		bucket: bucket,
	}
}

// Ping checks that the server is reachable.
func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

func (i *Influx) WriteReadings(ctx context.Context, readings []models.Reading) error {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		if p := point(r); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := i.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write %d points: %w", len(points), err)
	}
	log.Printf("export: wrote %d points to %s", len(points), i.bucket)
	return nil
}

func (i *Influx) Close() {
	i.client.Close()
}

// point converts a reading, or returns nil when it has no values.
func point(r models.Reading) *write.Point {
	fields := make(map[string]interface{})
	add := func(name string, v driver.Valuer) {
		if val, _ := v.Value(); val != nil {
			fields[name] = val
		}
	}
	add("pm2_5", r.PM25)
	add("pm10", r.PM10)
	add("humidity", r.Humidity)
	add("temperature", r.Temperature)
	add("wind_speed", r.WindSpeed)
	add("wind_direction", r.WindDirection)
	add("wind_direction_name", r.WindDirectionName)
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{
		"key": r.Location.Key(),
		"lon": fmt.Sprint(r.Location.Longitude()),
		"lat": fmt.Sprint(r.Location.Latitude()),
	}
	return influxdb2.NewPoint(Measurement, tags, fields, r.ObservedAt.UTC())
}
