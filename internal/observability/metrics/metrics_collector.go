// Package metrics provides metrics collection and exposition for OpenRLE.
// It integrates Prometheus SDK to define and collect core training metrics
// including step throughput, loss values, episode counts, and more.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// Collector manages Prometheus metrics collection for the training engine
type Collector struct {
	// Prometheus registry
	registry *prometheus.Registry

	// Namespace for metrics
	namespace string

	// Core training metrics
	stepsTotal      prometheus.Counter
	episodesTotal   prometheus.Counter
	rolloutsTotal   prometheus.Counter
	backpropsTotal  prometheus.Counter
	checkpointSaves prometheus.Counter
	skippedUpdates  prometheus.Counter

	pipelineStage prometheus.Gauge
	learningRate  prometheus.Gauge
	stepsPerSec   prometheus.Gauge

	lossGauges *prometheus.GaugeVec
	evalGauges *prometheus.GaugeVec

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Enable process metrics
	EnableProcessMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// ============================================================================
// Collector Initialization
// ============================================================================

// NewCollector creates a new training metrics collector
func NewCollector(cfg CollectorConfig) *Collector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// Register default collectors if enabled
	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	if cfg.EnableProcessMetrics {
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "openrle"
	}

	c := &Collector{
		registry:  registry,
		namespace: ns,
		stepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "env_steps_total",
			Help: "Total environment steps collected across all stages",
		}),
		episodesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "episodes_total",
			Help: "Total completed episodes",
		}),
		rolloutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rollouts_total",
			Help: "Total completed rollouts",
		}),
		backpropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "backprops_total",
			Help: "Total gradient updates applied",
		}),
		checkpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "checkpoint_saves_total",
			Help: "Total checkpoints written",
		}),
		skippedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "skipped_updates_total",
			Help: "Updates skipped due to loss anomalies",
		}),
		pipelineStage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pipeline_stage",
			Help: "Index of the current pipeline stage",
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "learning_rate",
			Help: "Current optimizer learning rate",
		}),
		stepsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "steps_per_second",
			Help: "Environment steps per second over the last metrics window",
		}),
		lossGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "loss",
			Help: "Most recent value per named loss",
		}, []string{"loss"}),
		evalGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "eval_metric",
			Help: "Most recent evaluation metric per mode",
		}, []string{"mode", "metric"}),
	}

	registry.MustRegister(
		c.stepsTotal, c.episodesTotal, c.rolloutsTotal, c.backpropsTotal,
		c.checkpointSaves, c.skippedUpdates,
		c.pipelineStage, c.learningRate, c.stepsPerSec,
		c.lossGauges, c.evalGauges,
	)

	return c
}

// ============================================================================
// Recording
// ============================================================================

// AddSteps records newly collected environment steps
func (c *Collector) AddSteps(n int64) {
	c.stepsTotal.Add(float64(n))
}

// AddEpisodes records newly completed episodes
func (c *Collector) AddEpisodes(n int64) {
	c.episodesTotal.Add(float64(n))
}

// IncRollouts records a completed rollout
func (c *Collector) IncRollouts() {
	c.rolloutsTotal.Inc()
}

// IncBackprops records an applied gradient update
func (c *Collector) IncBackprops() {
	c.backpropsTotal.Inc()
}

// IncCheckpointSaves records a written checkpoint
func (c *Collector) IncCheckpointSaves() {
	c.checkpointSaves.Inc()
}

// IncSkippedUpdates records an update skipped due to a loss anomaly
func (c *Collector) IncSkippedUpdates() {
	c.skippedUpdates.Inc()
}

// SetPipelineStage records the current stage index
func (c *Collector) SetPipelineStage(stage int) {
	c.pipelineStage.Set(float64(stage))
}

// SetLearningRate records the current learning rate
func (c *Collector) SetLearningRate(lr float64) {
	c.learningRate.Set(lr)
}

// SetStepsPerSecond records the throughput of the last metrics window
func (c *Collector) SetStepsPerSecond(fps float64) {
	c.stepsPerSec.Set(fps)
}

// ObserveLoss records the most recent value of a named loss
func (c *Collector) ObserveLoss(name string, value float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.lossGauges.WithLabelValues(name).Set(value)
}

// ObserveEvalMetric records an evaluation metric for a mode (valid/test)
func (c *Collector) ObserveEvalMetric(mode, metric string, value float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.evalGauges.WithLabelValues(mode, metric).Set(value)
}

// ============================================================================
// Exposition
// ============================================================================

// Handler returns an HTTP handler exposing the registry in Prometheus format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// NewNoopCollector creates a collector backed by a private registry,
// suitable for tests and for modes that do not expose metrics.
func NewNoopCollector() *Collector {
	return NewCollector(CollectorConfig{})
}

//Personal.AI order the ending
