// Package metrics collects Prometheus instrumentation for the pipeline
// dataflow engine. It is opt-in: components take a *Collector and fall back
// to a no-op collector when the caller does not want Prometheus wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "pipelineengine"

// Collector aggregates the metrics emitted by one engine run. Subsystem is
// typically the run's category so metrics from different pipelines don't
// collide in a shared registry.
type Collector struct {
	StageItemsTotal    *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageInFlight      *prometheus.GaugeVec
	PersistenceBatch   *prometheus.HistogramVec
	PersistenceDeferred *prometheus.CounterVec
	ArtifactQueueDepth prometheus.Gauge
	ArtifactFlushTotal *prometheus.CounterVec
	ContextLeaseWait   prometheus.Histogram
}

// New registers a fresh set of collectors under the given subsystem name
// using the supplied registerer. Pass prometheus.DefaultRegisterer to use
// the global registry, or a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer, subsystem string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		StageItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "stage_items_total",
				Help:      "Total number of envelopes processed by a stage, by outcome.",
			},
			[]string{"step", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-item stage processing duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		StageInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "stage_in_flight",
				Help:      "Number of items currently being processed by a stage.",
			},
			[]string{"step"},
		),
		PersistenceBatch: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "persistence_batch_size",
				Help:      "Number of rows written per persistence flush, by operation.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"operation"},
		),
		PersistenceDeferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "persistence_deferred_total",
				Help:      "Total number of step-progress updates deferred for retry.",
			},
			[]string{"operation"},
		),
		ArtifactQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "artifact_queue_depth",
				Help:      "Number of artifact save requests currently queued.",
			},
		),
		ArtifactFlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "artifact_flush_total",
				Help:      "Total number of artifact batch flushes, by outcome.",
			},
			[]string{"outcome"},
		),
		ContextLeaseWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "context_lease_wait_seconds",
				Help:      "Time spent waiting to acquire a context pool handle.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
	}
}

func (c *Collector) ObserveStage(step, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageItemsTotal.WithLabelValues(step, outcome).Inc()
	c.StageDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (c *Collector) SetInFlight(step string, n int) {
	if c == nil {
		return
	}
	c.StageInFlight.WithLabelValues(step).Set(float64(n))
}

func (c *Collector) ObservePersistenceBatch(operation string, size int) {
	if c == nil {
		return
	}
	c.PersistenceBatch.WithLabelValues(operation).Observe(float64(size))
}

func (c *Collector) AddDeferred(operation string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.PersistenceDeferred.WithLabelValues(operation).Add(float64(n))
}

func (c *Collector) SetArtifactQueueDepth(n int) {
	if c == nil {
		return
	}
	c.ArtifactQueueDepth.Set(float64(n))
}

func (c *Collector) ObserveArtifactFlush(outcome string) {
	if c == nil {
		return
	}
	c.ArtifactFlushTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveLeaseWait(d time.Duration) {
	if c == nil {
		return
	}
	c.ContextLeaseWait.Observe(d.Seconds())
}
