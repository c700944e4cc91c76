package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/models"
	"github.com/lox/airwatch/internal/store"
)

// State is the orchestrator's position in a cycle.
type State int

const (
	StateIdle State = iota
	StateFetchingPollutants
	StateFetchingWeather
	StateReconciling
	StateWriting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingPollutants:
		return "fetching_pollutants"
	case StateFetchingWeather:
		return "fetching_weather"
	case StateReconciling:
		return "reconciling"
	case StateWriting:
		return "writing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stages reported in UnitError.
const (
	StageWatermark  = "watermark"
	StagePollutants = "pollutants"
	StageWeather    = "weather"
	StageHistory    = "history"
	StageWrite      = "write"
	StageBackfill   = "backfill"
	StageExport     = "export"
)

// UnitError is a failure confined to one unit of work. Location is the
// location key, the station for history fetches, or empty for the
// cycle-wide pollutant fetch.
type UnitError struct {
	Location string `json:"location"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// Report summarises one cycle.
type Report struct {
	CycleID            string      `json:"cycle_id"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
	Watermark          time.Time   `json:"watermark"`
	LocationsProcessed int         `json:"locations_processed"`
	ReadingsWritten    int         `json:"readings_written"`
	ReadingsBackfilled int         `json:"readings_backfilled"`
	Errors             []UnitError `json:"errors"`
}

func (r *Report) fail(location, stage string, err error) {
	r.Errors = append(r.Errors, UnitError{Location: location, Stage: stage, Message: err.Error()})
	metrics.UnitErrors.WithLabelValues(stage).Inc()
	if location != "" {
		log.Printf("cycle %s: %s %s: %v", r.CycleID, stage, location, err)
	} else {
		log.Printf("cycle %s: %s: %v", r.CycleID, stage, err)
	}
}

// Mirror receives every reading the cycle inserted, changed or
// back-filled.
type Mirror interface {
	WriteReadings(ctx context.Context, readings []models.Reading) error
}

type Config struct {
	BBox     models.BBox
	Lookback time.Duration
	// Workers bounds concurrent per-location weather fetches.
	Workers      int
	CycleTimeout time.Duration
	// BackfillHorizon limits how far back incomplete readings are retried.
	BackfillHorizon     time.Duration
	BackfillStrideDays  int
	BackfillConcurrency int
	// BackfillRetry is how long a cycle waits before asking the historical
	// source again about a stored row it already checked. Zero retries on
	// every cycle.
	BackfillRetry time.Duration
	// ArchivePayloads keeps a compressed copy of every upstream body.
	ArchivePayloads bool
	// PayloadRetention prunes archived bodies older than this. Zero keeps
	// them forever.
	PayloadRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 48 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BackfillHorizon <= 0 {
		c.BackfillHorizon = 7 * 24 * time.Hour
	}
	if c.BackfillStrideDays <= 0 {
		c.BackfillStrideDays = 3
	}
	if c.BackfillConcurrency <= 0 {
		c.BackfillConcurrency = 2
	}
	return c
}

// Orchestrator runs ingestion cycles. Only one cycle executes at a time;
// callers arriving while one runs wait for it and share its report.
type Orchestrator struct {
	store      *store.Store
	pollutants PollutantSource
	current    CurrentWeatherSource
	history    HistoricalWeatherSource
	mirror     Mirror
	cfg        Config
	now        func() time.Time

	flight singleflight.Group

	mu    sync.Mutex
	state State
	last  *Report
}

// NewOrchestrator wires the cycle. current and history may be nil, in
// which case readings are stored without that weather source.
func NewOrchestrator(st *store.Store, pollutants PollutantSource, current CurrentWeatherSource, history HistoricalWeatherSource, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		pollutants: pollutants,
		current:    current,
		history:    history,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// SetMirror configures an optional sink for written readings.
func (o *Orchestrator) SetMirror(m Mirror) {
	o.mirror = m
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastReport returns the report of the most recent finished run, or nil.
func (o *Orchestrator) LastReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	metrics.CycleState.Set(float64(s))
}

// RunCycle fetches pollutants since the watermark, attaches weather,
// back-fills older incomplete readings and writes everything. Failures
// confined to a location are reported in Report.Errors. The error is
// non-nil only when the cycle stopped before writing anything, in which
// case the watermark is unchanged.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	return o.do(ctx, o.runCycle)
}

// Backfill runs only the back-fill pass over stored incomplete readings
// within horizon (the configured horizon when zero). It shares the cycle
// guard, so a call made while a cycle runs joins that cycle.
func (o *Orchestrator) Backfill(ctx context.Context, horizon time.Duration) (*Report, error) {
	return o.do(ctx, func(ctx context.Context, report *Report) error {
		if horizon <= 0 {
			horizon = o.cfg.BackfillHorizon
		}
		return o.runBackfill(ctx, report, horizon)
	})
}

func (o *Orchestrator) do(ctx context.Context, run func(context.Context, *Report) error) (*Report, error) {
	v, err, _ := o.flight.Do("cycle", func() (any, error) {
		if o.cfg.CycleTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.CycleTimeout)
			defer cancel()
		}

		report := &Report{CycleID: uuid.NewString(), StartedAt: o.now().UTC()}
		start := time.Now()
		err := run(ctx, report)
		o.setState(StateIdle)
		report.FinishedAt = o.now().UTC()

		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			metrics.CyclesTotal.WithLabelValues("failed").Inc()
			log.Printf("cycle %s: failed: %v", report.CycleID, err)
		case len(report.Errors) > 0:
			metrics.CyclesTotal.WithLabelValues("partial").Inc()
		default:
			metrics.CyclesTotal.WithLabelValues("ok").Inc()
		}
		log.Printf("cycle %s: %d locations, %d written, %d back-filled, %d errors in %s",
			report.CycleID, report.LocationsProcessed, report.ReadingsWritten,
			report.ReadingsBackfilled, len(report.Errors), time.Since(start).Round(time.Millisecond))

		o.mu.Lock()
		o.last = report
		o.mu.Unlock()
		return report, err
	})
	report, _ := v.(*Report)
	return report, err
}

// locationGroup is one unit of work: the fragments of a single location.
type locationGroup struct {
	loc       models.Location
	fragments []models.PollutantFragment
}

func groupByLocation(fragments []models.PollutantFragment) []locationGroup {
	index := make(map[models.Location]int)
	var groups []locationGroup
	for _, f := range fragments {
		i, ok := index[f.Location]
		if !ok {
			i = len(groups)
			index[f.Location] = i
			groups = append(groups, locationGroup{loc: f.Location})
		}
		groups[i].fragments = append(groups[i].fragments, f)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].loc.Less(groups[j].loc) })
	return groups
}

// snapshot is the outcome of one current-weather fetch.
type snapshot struct {
	weather models.Weather
	result  *FetchResult
	started time.Time
	err     error
}

func (o *Orchestrator) runCycle(ctx context.Context, report *Report) error {
	o.setState(StateFetchingPollutants)

	since, err := o.store.Watermark(ctx, store.PollutantCursor, o.now().Add(-o.cfg.Lookback))
	if err != nil {
		err = storageError("read watermark", err)
		report.fail("", StageWatermark, err)
		return err
	}
	report.Watermark = since
	log.Printf("cycle %s: fetching %s since %s", report.CycleID, o.pollutants.Name(), since.Format(time.RFC3339))

	started := o.now()
	fragments, result, err := o.pollutants.FetchPollutants(ctx, o.cfg.BBox, since)
	o.audit(ctx, report.CycleID, o.pollutants.Name(), "", started, result, len(fragments), err)
	if err != nil {
		report.fail("", StagePollutants, err)
		return err
	}
	if result != nil && result.ParseErrors > 0 {
		log.Printf("cycle %s: %s dropped %d malformed records: %s", report.CycleID, o.pollutants.Name(), result.ParseErrors, result.ParseError)
	}

	groups := groupByLocation(fragments)

	o.setState(StateFetchingWeather)
	snapshots := o.fetchSnapshots(ctx, report, groups)

	// Stored readings that are still incomplete join the same history fetch.
	var checkedBefore time.Time
	if o.cfg.BackfillRetry > 0 {
		checkedBefore = o.now().Add(-o.cfg.BackfillRetry)
	}
	incomplete, err := o.store.GetIncompleteReadings(ctx, o.now().Add(-o.cfg.BackfillHorizon), checkedBefore)
	if err != nil {
		report.fail("", StageBackfill, storageError("incomplete readings", err))
		incomplete = nil
	}

	readings := MergeNew(fragments, snapshots)
	windows, checked := o.fetchWindows(ctx, report, readings, incomplete)

	o.setState(StateReconciling)
	FillFromWindows(readings, windows)
	updates := Backfill(incomplete, windows)
	o.flag(readings)

	if err := ctx.Err(); err != nil {
		report.fail("", StageWrite, err)
		return err
	}

	o.setState(StateWriting)
	written := o.writeReadings(ctx, report, groups, readings)
	written = append(written, o.writeBackfill(ctx, report, updates)...)
	if checked && o.cfg.BackfillRetry > 0 {
		o.markChecked(ctx, readings, incomplete)
	}
	o.export(ctx, report, written)
	o.prunePayloads(ctx)

	return nil
}

// markChecked stamps the rows the historical source was just asked about
// and that are still incomplete, so the next cycles skip them until
// BackfillRetry has passed.
func (o *Orchestrator) markChecked(ctx context.Context, sets ...[]models.Reading) {
	var pending []models.Reading
	for _, set := range sets {
		for _, r := range set {
			if !r.Complete() {
				pending = append(pending, r)
			}
		}
	}
	if len(pending) == 0 {
		return
	}
	if err := o.store.MarkWeatherChecked(ctx, pending, o.now()); err != nil {
		log.Printf("cycle: mark weather checked: %v", err)
	}
}

func (o *Orchestrator) prunePayloads(ctx context.Context) {
	if !o.cfg.ArchivePayloads || o.cfg.PayloadRetention <= 0 {
		return
	}
	n, err := o.store.CleanupOldRawPayloads(ctx, o.now().Add(-o.cfg.PayloadRetention))
	if err != nil {
		log.Printf("cycle: prune raw payloads: %v", err)
		return
	}
	if n > 0 {
		log.Printf("cycle: pruned %d raw payloads", n)
	}
}

// fetchSnapshots fetches current weather for every group concurrently.
// Each worker writes only its own slot.
func (o *Orchestrator) fetchSnapshots(ctx context.Context, report *Report, groups []locationGroup) map[models.Location]models.Weather {
	snapshots := make(map[models.Location]models.Weather, len(groups))
	if o.current == nil || len(groups) == 0 {
		return snapshots
	}

	slots := make([]snapshot, len(groups))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, grp := range groups {
		g.Go(func() error {
			slots[i].started = o.now()
			slots[i].weather, slots[i].result, slots[i].err = o.current.FetchCurrent(ctx, grp.loc)
			return nil
		})
	}
	_ = g.Wait()

	for i, grp := range groups {
		s := slots[i]
		records := 0
		if s.err == nil {
			records = 1
		}
		o.audit(ctx, report.CycleID, o.current.Name(), grp.loc.Key(), s.started, s.result, records, s.err)
		if s.err != nil {
			report.fail(grp.loc.Key(), StageWeather, s.err)
			continue
		}
		snapshots[grp.loc] = s.weather
	}
	return snapshots
}

type windowChunk struct {
	windows []models.WindowObservation
	result  *FetchResult
	started time.Time
	err     error
}

// fetchWindows fetches historical windows covering every incomplete
// reading, in chunks of BackfillStrideDays with bounded concurrency. All
// chunks are collected before returning, in chronological order. checked
// is true when the source was asked and every chunk succeeded.
func (o *Orchestrator) fetchWindows(ctx context.Context, report *Report, sets ...[]models.Reading) (windows []models.WindowObservation, checked bool) {
	if o.history == nil {
		return nil, false
	}
	first, last, ok := needsHistory(sets...)
	if !ok {
		return nil, false
	}

	chunks := models.NewDateRange(first, last, o.history.Zone()).Chunk(o.cfg.BackfillStrideDays)
	slots := make([]windowChunk, len(chunks))
	var g errgroup.Group
	g.SetLimit(o.cfg.BackfillConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			slots[i].started = o.now()
			slots[i].windows, slots[i].result, slots[i].err = o.history.FetchWindows(ctx, chunk)
			return nil
		})
	}
	_ = g.Wait()

	checked = true
	station := o.history.Station()
	for i, s := range slots {
		o.audit(ctx, report.CycleID, o.history.Name(), station, s.started, s.result, len(s.windows), s.err)
		if s.err != nil {
			checked = false
			report.fail(station, StageHistory, fmt.Errorf("%s..%s: %w",
				chunks[i].Start.Format("2006-01-02"), chunks[i].End.Format("2006-01-02"), s.err))
		}
		windows = append(windows, s.windows...)
	}
	return windows, checked
}

func (o *Orchestrator) flag(readings []models.Reading) {
	now := o.now()
	for i := range readings {
		for _, f := range ValidateReading(&readings[i], now) {
			metrics.QualityFlags.WithLabelValues(f).Inc()
			log.Printf("cycle: %s at %s flagged %s", readings[i].Location.Key(), readings[i].ObservedAt.Format(time.RFC3339), f)
		}
	}
}

// writeReadings upserts new readings one by one, then advances the
// watermark to the newest stored timestamp, held back to the earliest
// failed write so it is fetched again.
func (o *Orchestrator) writeReadings(ctx context.Context, report *Report, groups []locationGroup, readings []models.Reading) []models.Reading {
	var (
		written     []models.Reading
		failedLocs  = make(map[models.Location]bool)
		newest      time.Time
		firstFailed time.Time
	)

	for _, r := range readings {
		changed, err := o.store.UpsertReading(ctx, r)
		if err != nil {
			report.fail(r.Location.Key(), StageWrite, storageError("upsert reading", err))
			failedLocs[r.Location] = true
			if firstFailed.IsZero() || r.ObservedAt.Before(firstFailed) {
				firstFailed = r.ObservedAt
			}
			continue
		}
		if r.ObservedAt.After(newest) {
			newest = r.ObservedAt
		}
		if changed {
			report.ReadingsWritten++
			written = append(written, o.stored(ctx, r))
		}
	}
	metrics.ReadingsWritten.WithLabelValues("upsert").Add(float64(report.ReadingsWritten))

	for _, grp := range groups {
		if !failedLocs[grp.loc] {
			report.LocationsProcessed++
		}
	}

	wm := newest
	if !firstFailed.IsZero() && (wm.IsZero() || firstFailed.Before(wm)) {
		wm = firstFailed
	}
	if wm.IsZero() {
		return written
	}
	if err := o.store.AdvanceWatermark(ctx, store.PollutantCursor, wm); err != nil {
		report.fail("", StageWatermark, storageError("advance watermark", err))
		return written
	}
	if current, err := o.store.Watermark(ctx, store.PollutantCursor, wm); err == nil {
		report.Watermark = current
		metrics.Watermark.Set(float64(current.Unix()))
	}
	return written
}

func (o *Orchestrator) writeBackfill(ctx context.Context, report *Report, updates []models.Reading) []models.Reading {
	var written []models.Reading
	for _, r := range updates {
		changed, err := o.store.BackfillWeather(ctx, r.Location, r.ObservedAt, r.Weather)
		if err != nil {
			report.fail(r.Location.Key(), StageBackfill, storageError("backfill weather", err))
			continue
		}
		if changed {
			report.ReadingsBackfilled++
			written = append(written, o.stored(ctx, r))
		}
	}
	metrics.ReadingsWritten.WithLabelValues("backfill").Add(float64(report.ReadingsBackfilled))
	return written
}

// stored returns the row as persisted after a write, which carries values
// merged from earlier cycles. It falls back to r when there is no mirror to
// feed or the read fails.
func (o *Orchestrator) stored(ctx context.Context, r models.Reading) models.Reading {
	if o.mirror == nil {
		return r
	}
	row, err := o.store.GetReading(ctx, r.Location, r.ObservedAt)
	if err != nil {
		log.Printf("cycle: re-read %s at %s: %v", r.Location.Key(), r.ObservedAt.Format(time.RFC3339), err)
		return r
	}
	if row == nil {
		return r
	}
	return *row
}

func (o *Orchestrator) export(ctx context.Context, report *Report, readings []models.Reading) {
	if o.mirror == nil || len(readings) == 0 {
		return
	}
	if err := o.mirror.WriteReadings(ctx, readings); err != nil {
		report.fail("", StageExport, err)
	}
}

func (o *Orchestrator) runBackfill(ctx context.Context, report *Report, horizon time.Duration) error {
	o.setState(StateFetchingWeather)
	incomplete, err := o.store.GetIncompleteReadings(ctx, o.now().Add(-horizon), time.Time{})
	if err != nil {
		err = storageError("incomplete readings", err)
		report.fail("", StageBackfill, err)
		return err
	}
	if len(incomplete) == 0 {
		return nil
	}
	log.Printf("cycle %s: back-filling %d incomplete readings", report.CycleID, len(incomplete))

	windows, checked := o.fetchWindows(ctx, report, incomplete)

	o.setState(StateReconciling)
	updates := Backfill(incomplete, windows)
	if err := ctx.Err(); err != nil {
		report.fail("", StageBackfill, err)
		return err
	}

	o.setState(StateWriting)
	written := o.writeBackfill(ctx, report, updates)
	if checked && o.cfg.BackfillRetry > 0 {
		o.markChecked(ctx, incomplete)
	}
	o.export(ctx, report, written)
	return nil
}

// audit records one upstream call in ingest_runs. Audit failures are
// logged and otherwise ignored. The record is written even when the cycle
// context has expired.
func (o *Orchestrator) audit(ctx context.Context, cycleID, source, location string, started time.Time, result *FetchResult, stored int, fetchErr error) {
	ctx = context.WithoutCancel(ctx)
	endpoint := ""
	if result != nil {
		endpoint = result.Endpoint
	}
	run, err := o.store.StartIngestRun(ctx, cycleID, source, endpoint, location)
	if err != nil {
		log.Printf("cycle %s: start ingest run: %v", cycleID, err)
		return
	}
	run.StartedAt = started.UTC()
	run.Success = fetchErr == nil
	if result != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(result.HTTPStatus), Valid: result.HTTPStatus > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(result.ResponseSize), Valid: result.ResponseSize > 0}
		run.RecordsParsed = sql.NullInt64{Int64: int64(result.RecordCount), Valid: true}
		if result.ParseErrors > 0 {
			run.ParseErrors = sql.NullInt64{Int64: int64(result.ParseErrors), Valid: true}
			run.ErrorMessage = sql.NullString{String: result.ParseError, Valid: true}
		}
	}
	if fetchErr == nil {
		run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	} else {
		run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
	}
	if err := o.store.CompleteIngestRun(ctx, run); err != nil {
		log.Printf("cycle %s: complete ingest run: %v", cycleID, err)
	}

	if o.cfg.ArchivePayloads && result != nil {
		for _, payload := range result.Payloads {
			if _, err := o.store.StoreRawPayload(ctx, run.ID, source, endpoint, location, payload); err != nil {
				log.Printf("cycle %s: archive %s payload: %v", cycleID, source, err)
			}
		}
	}
}
