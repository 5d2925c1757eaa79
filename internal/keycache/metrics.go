package keycache

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	cache    *Cache
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	entries  *prometheus.Desc
	inFlight *prometheus.Desc
}

// NewCollector exposes cache counters to a prometheus registry. The
// collector reads snapshots only; it never holds key material.
func NewCollector(cache *Cache) prometheus.Collector {
	return &collector{
		cache: cache,
		hits: prometheus.NewDesc(
			"keycache_hits_total",
			"Number of lookups served from the cache.",
			nil, nil,
		),
		misses: prometheus.NewDesc(
			"keycache_misses_total",
			"Number of lookups that triggered a resolution.",
			nil, nil,
		),
		entries: prometheus.NewDesc(
			"keycache_entries",
			"Number of resident cache entries.",
			nil, nil,
		),
		inFlight: prometheus.NewDesc(
			"keycache_inflight_resolutions",
			"Number of resolutions currently running.",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.entries
	ch <- c.inFlight
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(stats.InFlight))
}
