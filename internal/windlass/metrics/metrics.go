// Package metrics exposes the scheduler's observability surface:
// gauges collected from queue and pool snapshots, and counters incremented at
// the event sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/pool"
)

const MetricPrefix = "windlass_"

// QueueProvider is the queue-depth view the collector samples.
type QueueProvider interface {
	Depths() map[configuration.Tier]int
}

// PoolProvider is the worker-pool view the collector samples.
type PoolProvider interface {
	Stats() map[configuration.Tier]pool.TierStats
}

// Metrics holds the event counters. A single instance is shared between the
// scheduler, the autoscaler and the HTTP layer.
type Metrics struct {
	JobsSubmitted   prometheus.Counter
	JobsSucceeded   prometheus.Counter
	JobsFailed      prometheus.Counter
	JobsTimedOut    prometheus.Counter
	JobsCancelled   prometheus.Counter
	QuotaRejections prometheus.Counter
	// Labels: tier, direction (up|down).
	AutoscaleEvents *prometheus.CounterVec
	// Incremented when queue depth exceeds what maxPoolSize could ever absorb.
	AutoscaleSaturation *prometheus.CounterVec
	SpawnFailures       *prometheus.CounterVec
}

// NewMetrics registers the counters with the given registerer. Production
// wiring passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_submitted_total",
			Help: "Number of jobs accepted for scheduling",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_succeeded_total",
			Help: "Number of jobs that completed successfully",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_failed_total",
			Help: "Number of jobs that reached a failed terminal state",
		}),
		JobsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_timed_out_total",
			Help: "Number of jobs killed for exceeding their tier's job timeout",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_cancelled_total",
			Help: "Number of jobs cancelled by callers",
		}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "quota_rejections_total",
			Help: "Number of submissions rejected for exceeding tenant quota",
		}),
		AutoscaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "autoscale_events_total",
			Help: "Number of autoscaler resize operations",
		}, []string{"tier", "direction"}),
		AutoscaleSaturation: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "autoscale_saturation_total",
			Help: "Ticks on which queue depth exceeded the tier's maximum pool capacity",
		}, []string{"tier"}),
		SpawnFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "worker_spawn_failures_total",
			Help: "Number of failed worker spawn attempts",
		}, []string{"tier"}),
	}
}

var queueDepthDesc = prometheus.NewDesc(
	MetricPrefix+"queue_depth",
	"Number of queued jobs",
	[]string{"tier"},
	nil,
)

var poolSizeDesc = prometheus.NewDesc(
	MetricPrefix+"pool_size",
	"Number of live workers",
	[]string{"tier"},
	nil,
)

var idleWorkersDesc = prometheus.NewDesc(
	MetricPrefix+"idle_workers",
	"Number of idle workers",
	[]string{"tier"},
	nil,
)

var workerUtilizationDesc = prometheus.NewDesc(
	MetricPrefix+"worker_utilization",
	"Fraction of live workers currently busy",
	[]string{"tier"},
	nil,
)

// StateCollector samples queue and pool state on scrape.
type StateCollector struct {
	queue QueueProvider
	pool  PoolProvider
}

func ExposeStateMetrics(queue QueueProvider, pool PoolProvider) *StateCollector {
	collector := &StateCollector{queue: queue, pool: pool}
	prometheus.MustRegister(collector)
	return collector
}

func (c *StateCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- queueDepthDesc
	desc <- poolSizeDesc
	desc <- idleWorkersDesc
	desc <- workerUtilizationDesc
}

func (c *StateCollector) Collect(metrics chan<- prometheus.Metric) {
	depths := c.queue.Depths()
	stats := c.pool.Stats()

	for _, tier := range configuration.AllTiers() {
		metrics <- prometheus.MustNewConstMetric(
			queueDepthDesc, prometheus.GaugeValue, float64(depths[tier]), string(tier))

		s := stats[tier]
		metrics <- prometheus.MustNewConstMetric(
			poolSizeDesc, prometheus.GaugeValue, float64(s.Size), string(tier))
		metrics <- prometheus.MustNewConstMetric(
			idleWorkersDesc, prometheus.GaugeValue, float64(s.Idle), string(tier))

		utilization := 0.0
		if s.Size > 0 {
			utilization = float64(s.Busy) / float64(s.Size)
		}
		metrics <- prometheus.MustNewConstMetric(
			workerUtilizationDesc, prometheus.GaugeValue, utilization, string(tier))
	}
}
