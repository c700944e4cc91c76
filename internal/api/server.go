package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/lox/airwatch/internal/geocode"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/store"
)

// Status reports what the ingestion side is doing. *ingest.Orchestrator
// satisfies it.
type Status interface {
	State() ingest.State
	LastReport() *ingest.Report
}

type Options struct {
	Status      Status
	Geocoder    geocode.Geocoder
	CORSOrigins []string
}

type Server struct {
	store    *store.Store
	port     string
	zone     *time.Location
	status   Status
	geocoder geocode.Geocoder
	origins  []string
	now      func() time.Time
}

// NewServer builds the read surface. zone is the civil time zone used for
// daily and weekday grouping.
func NewServer(st *store.Store, port string, zone *time.Location, opts Options) *Server {
	if zone == nil {
		zone = time.UTC
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:    st,
		port:     port,
		zone:     zone,
		status:   opts.Status,
		geocoder: opts.Geocoder,
		origins:  origins,
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /measurements", s.handleMeasurements)
	mux.HandleFunc("GET /polarChart", s.handlePolarChart)
	mux.HandleFunc("GET /dayOfWeek", s.handleDayOfWeek)
	mux.HandleFunc("GET /daily", s.handleDaily)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /payloads/{hash}", s.handlePayload)
	mux.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

type HealthStatus struct {
	Status       string         `json:"status"`
	State        string         `json:"state"`
	LastCycle    *ingest.Report `json:"last_cycle,omitempty"`
	RecentErrors []IngestError  `json:"recent_errors"`
	Locations    int            `json:"locations"`

	Payloads *store.RawPayloadStats `json:"payloads,omitempty"`
}

type IngestError struct {
	CycleID    string    `json:"cycle_id,omitempty"`
	Source     string    `json:"source"`
	Location   string    `json:"location,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	HTTPStatus int64     `json:"http_status,omitempty"`
	Message    string    `json:"message"`
	// PayloadHash addresses the archived response body at /payloads/{hash}.
	PayloadHash string `json:"payload_hash,omitempty"`
}

const recentErrorLimit = 10

// handleHealth reports "ok" when the last cycle finished without unit
// errors, "degraded" when it had some and "error" when the store is
// unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locs, err := s.store.GetLocations(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	runs, err := s.store.GetRecentIngestErrors(ctx, recentErrorLimit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:       "ok",
		State:        ingest.StateIdle.String(),
		RecentErrors: make([]IngestError, 0, len(runs)),
		Locations:    len(locs),
	}
	if stats, err := s.store.GetRawPayloadStats(ctx); err != nil {
		log.Printf("api: health: payload stats: %v", err)
	} else if stats.TotalCount > 0 {
		health.Payloads = stats
	}
	if s.status != nil {
		health.State = s.status.State().String()
		health.LastCycle = s.status.LastReport()
		if health.LastCycle != nil && len(health.LastCycle.Errors) > 0 {
			health.Status = "degraded"
		}
	}
	for _, run := range runs {
		health.RecentErrors = append(health.RecentErrors, IngestError{
			CycleID:    run.CycleID,
			Source:     run.Source,
			Location:   run.Location.String,
			StartedAt:  run.StartedAt,
			HTTPStatus: run.HTTPStatus.Int64,
			Message:    run.ErrorMessage.String,

			PayloadHash: run.PayloadHash.String,
		})
	}
	writeJSON(w, http.StatusOK, health)
}

// handlePayload serves an archived upstream body as it was received.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	p, err := s.store.GetRawPayloadByHash(r.Context(), hash)
	if err != nil {
		log.Printf("api: payload %s: %v", hash, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.NotFound(w, r)
		return
	}
	body, err := p.Decompress()
	if err != nil {
		log.Printf("api: payload %s: %v", hash, err)
		http.Error(w, "corrupt payload", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Payload-Source", p.Source)
	w.Header().Set("X-Payload-Fetched-At", p.FetchedAt.Format(time.RFC3339))
	w.Write(body)
}
