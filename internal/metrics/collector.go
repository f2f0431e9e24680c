package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusStats provides the collector access to broker state.
type BusStats interface {
	Drops() uint64
}

// EngineStats reports control-connection liveness.
type EngineStats interface {
	Connected() bool
}

// PipelineStats reports live DJ pipeline state.
type PipelineStats interface {
	ActiveJobs() int
	QueuedJobs() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	bus      BusStats
	engine   EngineStats
	pipeline PipelineStats

	busDrops        *prometheus.Desc
	engineConnected *prometheus.Desc
	djActiveJobs    *prometheus.Desc
	djQueuedJobs    *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any of the sources may be nil; its metrics then report 0.
func NewCollector(bus BusStats, engine EngineStats, pipeline PipelineStats) *Collector {
	return &Collector{
		bus:      bus,
		engine:   engine,
		pipeline: pipeline,
		busDrops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "dropped_total"),
			"Messages discarded by the broker under back-pressure.",
			nil, nil,
		),
		engineConnected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "connected"),
			"Whether the audio engine control connection is up (0 or 1).",
			nil, nil,
		),
		djActiveJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dj", "active_jobs"),
			"DJ jobs currently past the armed state.",
			nil, nil,
		),
		djQueuedJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dj", "queued_jobs"),
			"DJ jobs waiting for a pipeline slot.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busDrops
	ch <- c.engineConnected
	ch <- c.djActiveJobs
	ch <- c.djQueuedJobs
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var drops float64
	if c.bus != nil {
		drops = float64(c.bus.Drops())
	}
	ch <- prometheus.MustNewConstMetric(c.busDrops, prometheus.CounterValue, drops)

	var up float64
	if c.engine != nil && c.engine.Connected() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.engineConnected, prometheus.GaugeValue, up)

	var active, queued float64
	if c.pipeline != nil {
		active = float64(c.pipeline.ActiveJobs())
		queued = float64(c.pipeline.QueuedJobs())
	}
	ch <- prometheus.MustNewConstMetric(c.djActiveJobs, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.djQueuedJobs, prometheus.GaugeValue, queued)
}
