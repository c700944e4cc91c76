package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_source_calls_total",
			Help: "Total upstream source calls",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airwatch_source_latency_seconds",
			Help:    "Upstream source call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_cycles_total",
			Help: "Ingestion cycles by outcome",
		},
		[]string{"result"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airwatch_cycle_duration_seconds",
			Help:    "Ingestion cycle duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	CycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airwatch_cycle_state",
			Help: "Current orchestrator state (0 idle, 1 pollutants, 2 weather, 3 reconciling, 4 writing)",
		},
	)

	ReadingsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_readings_written_total",
			Help: "Readings inserted or changed, by kind (upsert, backfill)",
		},
		[]string{"kind"},
	)

	UnitErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_unit_errors_total",
			Help: "Per-unit ingestion errors by stage",
		},
		[]string{"stage"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_quality_flags_total",
			Help: "Readings flagged by range validation",
		},
		[]string{"flag"},
	)

	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airwatch_watermark_timestamp_seconds",
			Help: "Pollutant fetch watermark as a unix timestamp",
		},
	)
)
