// Package metrics exposes floatwatch's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

// Cache views tracked for hit ratios
var cacheViews = []string{"agents", "summary"}

// Registry holds every floatwatch metric
type Registry struct {
	reg *prometheus.Registry

	EventsReceived *prometheus.CounterVec
	JobStates      *prometheus.CounterVec

	LedgerWrites    *prometheus.CounterVec
	LedgerConflicts prometheus.Counter

	Predictions        *prometheus.CounterVec
	PredictionFailures *prometheus.CounterVec
	ModelReady         prometheus.Gauge
	Alerts             *prometheus.CounterVec

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	StageDuration *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
}

// New creates and registers all metrics on a private registry
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_events_received_total",
				Help: "Inbound payment events by ingress outcome",
			},
			[]string{"outcome"},
		),

		JobStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_job_transitions_total",
				Help: "Pipeline job state transitions",
			},
			[]string{"state"},
		),

		LedgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_ledger_writes_total",
				Help: "Committed float snapshot writes by balance source",
			},
			[]string{"source"},
		),

		LedgerConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "floatwatch_ledger_version_conflicts_total",
				Help: "Snapshot compare-and-swap conflicts that forced a recompute",
			},
		),

		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_predictions_total",
				Help: "Classifier predictions by class",
			},
			[]string{"class"},
		),

		PredictionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_prediction_skipped_total",
				Help: "Jobs that produced no prediction, by reason",
			},
			[]string{"reason"},
		),

		ModelReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "floatwatch_model_ready",
				Help: "1 when a classifier network is loaded",
			},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_alerts_total",
				Help: "Alerts raised by type",
			},
			[]string{"alert_type"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_cache_hits_total",
				Help: "Dashboard cache hits by view",
			},
			[]string{"view"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floatwatch_cache_misses_total",
				Help: "Dashboard cache misses by view",
			},
			[]string{"view"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "floatwatch_cache_hit_ratio",
				Help: "Dashboard cache hit ratio (0.0 to 1.0)",
			},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "floatwatch_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"stage", "result"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "floatwatch_queue_depth",
				Help: "Queue list lengths",
			},
			[]string{"list"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.EventsReceived,
		r.JobStates,
		r.LedgerWrites,
		r.LedgerConflicts,
		r.Predictions,
		r.PredictionFailures,
		r.ModelReady,
		r.Alerts,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.StageDuration,
		r.QueueDepth,
	)
	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// StageTimer times one pipeline stage
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStage begins timing a stage
func (r *Registry) StartStage(stage string) *StageTimer {
	return &StageTimer{metrics: r, stage: stage, start: time.Now()}
}

// Stop records the stage duration under result
func (t *StageTimer) Stop(result string) {
	d := time.Since(t.start)
	t.metrics.StageDuration.WithLabelValues(t.stage, result).Observe(d.Seconds())
	log.Debug().Str("stage", t.stage).Str("result", result).Dur("duration", d).Msg("Pipeline stage completed")
}

// EventReceived counts an ingress outcome
func (r *Registry) EventReceived(outcome string) {
	r.EventsReceived.WithLabelValues(outcome).Inc()
}

// JobState counts a job state transition
func (r *Registry) JobState(state string) {
	r.JobStates.WithLabelValues(state).Inc()
}

// LedgerWrite implements ledger.Observer
func (r *Registry) LedgerWrite(source persistence.BalanceSource) {
	r.LedgerWrites.WithLabelValues(string(source)).Inc()
}

// LedgerConflict implements ledger.Observer
func (r *Registry) LedgerConflict() {
	r.LedgerConflicts.Inc()
}

// Prediction counts a classifier result
func (r *Registry) Prediction(class string) {
	r.Predictions.WithLabelValues(class).Inc()
}

// PredictionSkipped counts a job that ended without a prediction
func (r *Registry) PredictionSkipped(reason string) {
	r.PredictionFailures.WithLabelValues(reason).Inc()
}

// SetModelReady reflects classifier readiness
func (r *Registry) SetModelReady(ready bool) {
	if ready {
		r.ModelReady.Set(1)
		return
	}
	r.ModelReady.Set(0)
}

// Alert counts a raised alert
func (r *Registry) Alert(alertType string) {
	r.Alerts.WithLabelValues(alertType).Inc()
}

// CacheHit records a dashboard cache hit
func (r *Registry) CacheHit(view string) {
	r.CacheHits.WithLabelValues(view).Inc()
	r.updateCacheHitRatio()
}

// CacheMiss records a dashboard cache miss
func (r *Registry) CacheMiss(view string) {
	r.CacheMisses.WithLabelValues(view).Inc()
	r.updateCacheHitRatio()
}

// SetQueueDepth publishes queue list lengths
func (r *Registry) SetQueueDepth(ready, processing, delayed, dead int64) {
	r.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	r.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	r.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	r.QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

func (r *Registry) updateCacheHitRatio() {
	var hits, misses float64
	for _, view := range cacheViews {
		hits += counterValue(r.CacheHits, view)
		misses += counterValue(r.CacheMisses, view)
	}
	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
