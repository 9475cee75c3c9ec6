package timer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports timer service counters as prometheus metrics.
type Collector struct {
	svc *Service

	liveDesc      *prometheus.Desc
	armedDesc     *prometheus.Desc
	firedDesc     *prometheus.Desc
	cancelledDesc *prometheus.Desc
	orphanedDesc  *prometheus.Desc
}

// NewCollector returns a collector reading from svc.
func NewCollector(svc *Service) *Collector {
	return &Collector{
		svc:           svc,
		liveDesc:      prometheus.NewDesc("qstats_timer_live", "Statement timers currently registered", nil, nil),
		armedDesc:     prometheus.NewDesc("qstats_timer_armed_total", "Statement deadlines armed", nil, nil),
		firedDesc:     prometheus.NewDesc("qstats_timer_fired_total", "Statements killed by an expired deadline", nil, nil),
		cancelledDesc: prometheus.NewDesc("qstats_timer_cancelled_total", "Deadlines cancelled before expiry", nil, nil),
		orphanedDesc:  prometheus.NewDesc("qstats_timer_orphaned_total", "Expiries that arrived after the statement detached", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveDesc
	ch <- c.armedDesc
	ch <- c.firedDesc
	ch <- c.cancelledDesc
	ch <- c.orphanedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.svc.Stats()
	ch <- prometheus.MustNewConstMetric(c.liveDesc, prometheus.GaugeValue, float64(s.Live))
	ch <- prometheus.MustNewConstMetric(c.armedDesc, prometheus.CounterValue, float64(s.Armed))
	ch <- prometheus.MustNewConstMetric(c.firedDesc, prometheus.CounterValue, float64(s.Fired))
	ch <- prometheus.MustNewConstMetric(c.cancelledDesc, prometheus.CounterValue, float64(s.Cancelled))
	ch <- prometheus.MustNewConstMetric(c.orphanedDesc, prometheus.CounterValue, float64(s.Orphaned))
}
