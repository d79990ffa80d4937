// Package statsexport wraps the kernel's scheduler and cache state in a
// Prometheus collector, grounded on
// _examples/talyz-systemd_exporter/systemd/systemd.go's Collector shape
// (per-Desc struct fields built once in NewCollector, a collect method that
// pushes MustNewConstMetric values down a channel).
package statsexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/proc"
)

const namespace = "armos"

// Collector exports the MLFQ ready-queue depths (spec.md §3 scheduler info)
// and the block cache/log counters (spec.md §4.2) as Prometheus metrics.
type Collector struct {
	sched *proc.Scheduler
	cache *fs.Cache

	readyDepth  *prometheus.Desc
	cacheSize   *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	logCommits  *prometheus.Desc
}

// NewCollector builds a Collector over the given scheduler and block cache.
func NewCollector(sched *proc.Scheduler, cache *fs.Cache) *Collector {
	return &Collector{
		sched: sched,
		cache: cache,
		readyDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ready_queue_depth"),
			"Number of runnable processes at each MLFQ level.",
			[]string{"level"}, nil,
		),
		cacheSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "blocks_resident"),
			"Number of blocks currently resident in the block cache.",
			nil, nil,
		),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Cumulative count of Acquire calls served from the cache.",
			nil, nil,
		),
		cacheMisses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Cumulative count of Acquire calls that read through to disk.",
			nil, nil,
		),
		logCommits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "log", "commits_total"),
			"Cumulative count of completed write-ahead-log commits.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readyDepth
	ch <- c.cacheSize
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.logCommits
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	depths := c.sched.QueueDepths()
	for level, n := range depths {
		ch <- prometheus.MustNewConstMetric(c.readyDepth, prometheus.GaugeValue, float64(n), levelLabel(level))
	}

	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(c.cache.NumCached()))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(c.cache.Hits()))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(c.cache.Misses()))
	ch <- prometheus.MustNewConstMetric(c.logCommits, prometheus.CounterValue, float64(c.cache.LogCommits()))
}

func levelLabel(level int) string {
	switch level {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return "3+"
	}
}
