package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache usage as prometheus metrics.
type Collector struct {
	cache *Cache

	entriesDesc       *prometheus.Desc
	maxEntriesDesc    *prometheus.Desc
	levelDesc         *prometheus.Desc
	hitsDesc          *prometheus.Desc
	missesDesc        *prometheus.Desc
	rejectedDesc      *prometheus.Desc
	gateConflictsDesc *prometheus.Desc
}

// NewCollector returns a collector reading from c.
func NewCollector(c *Cache) *Collector {
	return &Collector{
		cache: c,
		entriesDesc: prometheus.NewDesc(
			"qstats_cache_entries",
			"Number of distinct query keys admitted to the stats cache",
			nil, nil,
		),
		maxEntriesDesc: prometheus.NewDesc(
			"qstats_cache_max_entries",
			"Configured capacity of the stats cache",
			nil, nil,
		),
		levelDesc: prometheus.NewDesc(
			"qstats_cache_level",
			"Key granularity (0 off, 1 fingerprint, 2 fingerprint and client)",
			nil, nil,
		),
		hitsDesc: prometheus.NewDesc(
			"qstats_cache_hits_total",
			"Lookups that found an existing entry",
			nil, nil,
		),
		missesDesc: prometheus.NewDesc(
			"qstats_cache_misses_total",
			"Lookups that admitted a new entry",
			nil, nil,
		),
		rejectedDesc: prometheus.NewDesc(
			"qstats_cache_rejected_total",
			"New query keys refused because the cache was full",
			nil, nil,
		),
		gateConflictsDesc: prometheus.NewDesc(
			"qstats_cache_gate_conflicts_total",
			"Scans or resets aborted because another scan held the reader gate",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entriesDesc
	ch <- c.maxEntriesDesc
	ch <- c.levelDesc
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.rejectedDesc
	ch <- c.gateConflictsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.maxEntriesDesc, prometheus.GaugeValue, float64(s.MaxEntries))
	ch <- prometheus.MustNewConstMetric(c.levelDesc, prometheus.GaugeValue, float64(s.Level))
	ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.rejectedDesc, prometheus.CounterValue, float64(s.Rejected))
	ch <- prometheus.MustNewConstMetric(c.gateConflictsDesc, prometheus.CounterValue, float64(s.GateConflicts))
}
