package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lox/airwatch/internal/api"
	"github.com/lox/airwatch/internal/config"
	"github.com/lox/airwatch/internal/export"
	"github.com/lox/airwatch/internal/geocode"
	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/store"
)

type CLI struct {
	config.Config `embed:""`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Serve the read API and run scheduled ingestion cycles."`
	Ingest   IngestCmd   `cmd:"" help:"Run one ingestion cycle, print its report and exit."`
	Backfill BackfillCmd `cmd:"" help:"Retry weather for stored incomplete readings and exit."`
}

// App holds the wiring shared by every command.
type App struct {
	cfg    *config.Config
	store  *store.Store
	orch   *ingest.Orchestrator
	mirror *export.Influx
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if store.Dialect(cfg.DBDriver) == store.SQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DB), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(ctx, store.Dialect(cfg.DBDriver), cfg.DB)
	if err != nil {
		return nil, err
	}
	st := store.New(db, store.Dialect(cfg.DBDriver))
	if err := st.MigrateContext(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")

	client := httputil.NewClient()
	pollutants := ingest.NewHackair(httputil.NewSource("hackair", client, cfg.HTTPTimeout), cfg.HackairURL, cfg.HackairSources)

	var current ingest.CurrentWeatherSource
	if cfg.OpenWeatherKey != "" {
		current = ingest.NewOpenWeather(httputil.NewSource("openweather", client, cfg.HTTPTimeout), cfg.OpenWeatherURL, cfg.OpenWeatherKey)
	} else {
		log.Println("OPENWEATHER_API_KEY not set, current weather disabled")
	}

	var history ingest.HistoricalWeatherSource
	if !cfg.NoHistory {
		history = ingest.NewPogoda(httputil.NewSource("pogoda", client, cfg.HTTPTimeout), cfg.PogodaURL, cfg.PogodaStation, cfg.StationZone())
	} else {
		log.Println("historical weather disabled (--no-history)")
	}

	orch := ingest.NewOrchestrator(st, pollutants, current, history, ingest.Config{
		BBox:                cfg.Area(),
		Lookback:            cfg.Lookback,
		Workers:             cfg.Workers,
		CycleTimeout:        cfg.CycleTimeout,
		BackfillHorizon:     cfg.BackfillHorizon,
		BackfillStrideDays:  cfg.BackfillStrideDays,
		BackfillConcurrency: cfg.BackfillConcurrency,
		BackfillRetry:       cfg.BackfillRetry,
		ArchivePayloads:     cfg.ArchivePayloads,
		PayloadRetention:    cfg.PayloadRetention,
	})

	app := &App{cfg: cfg, store: st, orch: orch}
	if cfg.InfluxURL != "" {
		app.mirror = export.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		if err := app.mirror.Ping(ctx); err != nil {
			log.Printf("influx: %v (mirroring anyway)", err)
		}
		orch.SetMirror(app.mirror)
	}
	return app, nil
}

func (a *App) Close() {
	if a.mirror != nil {
		a.mirror.Close()
	}
	a.store.Close()
}

type ServeCmd struct{}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	cfg := app.cfg

	var geocoder geocode.Geocoder
	if cfg.NominatimURL != "" {
		geocoder = geocode.NewNominatim(cfg.NominatimURL, cfg.HTTPTimeout)
	}
	server := api.NewServer(app.store, cfg.Port, cfg.AggregateZone(), api.Options{
		Status:      app.orch,
		Geocoder:    geocoder,
		CORSOrigins: cfg.CORSOrigins,
	})

	if !cfg.NoPoll {
		scheduler, err := ingest.NewScheduler(app.orch, cfg.Schedule, cfg.AggregateZone())
		if err != nil {
			return err
		}
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				log.Printf("scheduler: %v", err)
			}
		}()
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	return server.Run(ctx)
}

type IngestCmd struct{}

func (c *IngestCmd) Run(ctx context.Context, app *App) error {
	log.Println("running single ingestion cycle")
	report, err := app.orch.RunCycle(ctx)
	printReport(report)
	return err
}

type BackfillCmd struct {
	Horizon time.Duration `help:"How far back to retry; defaults to --backfill-horizon."`
}

func (c *BackfillCmd) Run(ctx context.Context, app *App) error {
	horizon := c.Horizon
	if horizon <= 0 {
		horizon = app.cfg.BackfillHorizon
	}
	log.Printf("backfilling weather for the last %s", horizon)
	report, err := app.orch.Backfill(ctx, horizon)
	printReport(report)
	return err
}

func printReport(report *ingest.Report) {
	if report == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Printf("print report: %v", err)
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("airwatch"),
		kong.Description("Air-quality and weather ingestion with a read API."),
		kong.Vars(config.Vars),
		config.DotEnv(".env"),
		kong.UsageOnError(),
	)
	if err := cli.Validate(); err != nil {
		kctx.FatalIfErrorf(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, &cli.Config)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer app.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(app); err != nil {
		log.Printf("%s: %v", kctx.Command(), err)
		app.Close()
		os.Exit(1)
	}
}
