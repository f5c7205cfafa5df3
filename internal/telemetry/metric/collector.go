package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// ViewSource yields the current index view.
type ViewSource interface {
	View() *memory.View
}

// Collector reports index gauges from the view current at scrape time.
type Collector struct {
	src ViewSource

	entries  *prometheus.Desc
	prefixes *prometheus.Desc
	open     *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src ViewSource) *Collector {
	return &Collector{
		src: src,
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "index", "entries"),
			"ROA histories in the index by address family.",
			[]string{"family"}, nil),
		prefixes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "index", "prefixes"),
			"Distinct prefixes in the index.",
			nil, nil),
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "index", "current_entries"),
			"ROAs present at the watermark of their trust anchor.",
			[]string{"tal"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.prefixes
	ch <- c.open
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.View().Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.IPv4), "ipv4")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.IPv6), "ipv6")
	ch <- prometheus.MustNewConstMetric(c.prefixes, prometheus.GaugeValue, float64(st.Prefixes))
	for tal, n := range st.Open {
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(n), tal)
	}
}
