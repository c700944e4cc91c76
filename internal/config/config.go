package config

import (
	"errors"
	"fmt"
	"log"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/go-playground/validator/v10"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/airwatch/internal/models"
)

const DefaultBBox = "27.31887817382813,53.83348592751201|27.807426452636722,53.95487343610632"

// Config holds the settings shared by every command. Each flag can also be
// set through its environment variable.
type Config struct {
	DBDriver string `name:"db-driver" help:"Database driver." default:"sqlite" enum:"sqlite,postgres" env:"AIRWATCH_DB_DRIVER" validate:"oneof=sqlite postgres"`
	DB       string `name:"db" help:"SQLite path or Postgres DSN." default:"data/airwatch.db" env:"AIRWATCH_DB" validate:"required"`
	Port     string `help:"HTTP server port." default:"8080" env:"PORT" validate:"required,numeric"`

	Schedule string `help:"Cron schedule for ingestion cycles." default:"*/5 * * * *" env:"AIRWATCH_SCHEDULE" validate:"required"`
	NoPoll   bool   `name:"no-poll" help:"Serve only, do not schedule cycles." env:"AIRWATCH_NO_POLL"`
	BBox     string `name:"bbox" help:"Area polled for pollutants, as lon,lat|lon,lat." default:"${bbox}" env:"AIRWATCH_BBOX" validate:"required"`

	HackairURL     string `name:"hackair-url" help:"hackAIR measurements endpoint." default:"https://api.hackair.eu/measurements" env:"HACKAIR_URL" validate:"url"`
	HackairSources string `name:"hackair-sources" help:"hackAIR source filter." default:"sensors_arduino,sensors_bleair,webservices" env:"HACKAIR_SOURCES"`

	OpenWeatherURL string `name:"openweather-url" help:"OpenWeatherMap current weather endpoint." default:"https://api.openweathermap.org/data/2.5/weather" env:"OPENWEATHER_URL" validate:"url"`
	OpenWeatherKey string `name:"openweather-key" help:"OpenWeatherMap API key. Current weather is skipped when empty." env:"OPENWEATHER_API_KEY"`

	PogodaURL     string `name:"pogoda-url" help:"pogoda.by meteograph JSONP endpoint." default:"http://pogoda.by/meteograph/jsonp.php" env:"POGODA_URL" validate:"url"`
	PogodaStation string `name:"pogoda-station" help:"Synoptic station id." default:"26850" env:"POGODA_STATION" validate:"required,numeric"`
	PogodaZone    string `name:"pogoda-zone" help:"Civil time zone of the station archive." default:"Europe/Minsk" env:"POGODA_ZONE" validate:"required"`
	NoHistory     bool   `name:"no-history" help:"Do not fetch historical weather windows." env:"AIRWATCH_NO_HISTORY"`

	Lookback            time.Duration `help:"Initial fetch window when the store is empty." default:"48h" env:"AIRWATCH_LOOKBACK" validate:"gt=0"`
	HTTPTimeout         time.Duration `name:"http-timeout" help:"Timeout for each upstream call." default:"30s" env:"AIRWATCH_HTTP_TIMEOUT" validate:"gt=0"`
	CycleTimeout        time.Duration `name:"cycle-timeout" help:"Upper bound on one cycle." default:"4m" env:"AIRWATCH_CYCLE_TIMEOUT" validate:"gte=0"`
	Workers             int           `help:"Concurrent per-location weather fetches." default:"4" env:"AIRWATCH_WORKERS" validate:"min=1,max=64"`
	BackfillHorizon     time.Duration `name:"backfill-horizon" help:"How far back incomplete readings are retried." default:"168h" env:"AIRWATCH_BACKFILL_HORIZON" validate:"gt=0"`
	BackfillStrideDays  int           `name:"backfill-stride" help:"Days per historical request chunk." default:"3" env:"AIRWATCH_BACKFILL_STRIDE" validate:"min=1,max=31"`
	BackfillConcurrency int           `name:"backfill-concurrency" help:"Concurrent historical chunk requests." default:"2" env:"AIRWATCH_BACKFILL_CONCURRENCY" validate:"min=1,max=16"`
	BackfillRetry       time.Duration `name:"backfill-retry" help:"Wait this long before asking the archive again about a row it could not complete, 0 asks every cycle." default:"1h" env:"AIRWATCH_BACKFILL_RETRY" validate:"gte=0"`

	ArchivePayloads  bool          `name:"archive-payloads" help:"Keep a compressed copy of every upstream response." env:"AIRWATCH_ARCHIVE_PAYLOADS"`
	PayloadRetention time.Duration `name:"payload-retention" help:"Prune archived responses older than this, 0 keeps them." default:"720h" env:"AIRWATCH_PAYLOAD_RETENTION" validate:"gte=0"`

	Timezone string `help:"Time zone for daily and weekday aggregates." default:"Europe/Minsk" env:"AIRWATCH_TZ" validate:"required"`

	InfluxURL    string `name:"influx-url" help:"InfluxDB URL. Mirroring is off when empty." env:"INFLUXDB_URL" validate:"omitempty,url"`
	InfluxToken  string `name:"influx-token" help:"InfluxDB API token." env:"INFLUXDB_TOKEN" validate:"required_with=InfluxURL"`
	InfluxOrg    string `name:"influx-org" help:"InfluxDB organisation." env:"INFLUXDB_ORG" validate:"required_with=InfluxURL"`
	InfluxBucket string `name:"influx-bucket" help:"InfluxDB bucket." default:"airwatch" env:"INFLUXDB_BUCKET" validate:"required_with=InfluxURL"`

	NominatimURL string   `name:"nominatim-url" help:"Reverse geocoding endpoint. Positions use coordinates when empty." default:"https://nominatim.openstreetmap.org/reverse" env:"NOMINATIM_URL" validate:"omitempty,url"`
	CORSOrigins  []string `name:"cors-origins" help:"Allowed CORS origins." default:"*" env:"AIRWATCH_CORS_ORIGINS"`
}

// Vars are the interpolation variables the struct tags reference.
var Vars = map[string]string{
	"bbox": DefaultBBox,
}

var validate = validator.New()

// DotEnv resolves flags from KEY=value files, matched by each flag's env
// name. Missing files are skipped.
func DotEnv(paths ...string) kong.Option {
	return kong.Configuration(kongdotenv.ENVFileReader, paths...)
}

// Validate checks field constraints and that the bbox and zones parse.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return err
	}
	if _, err := models.ParseBBox(c.BBox); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.PogodaZone); err != nil {
		return fmt.Errorf("invalid config: pogoda zone: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		if fe.Param() != "" {
			msg += fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msg += fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
		}
	}
	return msg
}

// Area returns the parsed bounding box.
func (c *Config) Area() models.BBox {
	b, err := models.ParseBBox(c.BBox)
	if err != nil {
		b, _ = models.ParseBBox(DefaultBBox)
	}
	return b
}

// StationZone returns the pogoda.by archive zone, UTC if it cannot load.
func (c *Config) StationZone() *time.Location {
	return loadZone(c.PogodaZone)
}

// AggregateZone returns the zone used for calendar grouping.
func (c *Config) AggregateZone() *time.Location {
	return loadZone(c.Timezone)
}

func loadZone(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("config: could not load %s timezone, using UTC: %v", name, err)
		return time.UTC
	}
	return loc
}
