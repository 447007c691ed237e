package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zmb3/pdm/api/types"
)

// PrometheusCollector exposes the most recent RRD sample per remote as
// Prometheus gauges, so an operator's existing Prometheus stack can scrape
// fleet-wide metrics without talking the native per-remote wire format.
// Values come straight from RRDStore's in-memory ring; a dead collection
// task just means the gauges stop advancing, same as a stale RRD file.
type PrometheusCollector struct {
	rrd     *RRDStore
	remotes func() []types.Remote

	desc *prometheus.Desc
}

// NewPrometheusCollector builds a collector pulling rrd.Recent for every
// remote that remotes returns, labeling each series by remote, resource
// id, and metric name.
func NewPrometheusCollector(rrd *RRDStore, remotes func() []types.Remote) *PrometheusCollector {
	return &PrometheusCollector{
		rrd:     rrd,
		remotes: remotes,
		desc: prometheus.NewDesc(
			"pdm_remote_metric",
			"Most recently collected value for a remote/resource/metric triple.",
			[]string{"remote", "resource", "metric"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector. It never returns an error metric;
// a remote with no samples yet simply contributes nothing to the scrape.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, remote := range c.remotes() {
		points := c.rrd.Recent(remote.ID)
		if len(points) == 0 {
			continue
		}
		latest := points[len(points)-1]
		for key, value := range latest.Values {
			resource, metric := splitSeriesKey(key)
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, value,
				remote.ID, resource, metric)
		}
	}
}

// splitSeriesKey undoes the "<id>/<metric>" key native.PVE.Metrics builds,
// e.g. "node/node-a/cpu_current" -> ("node/node-a", "cpu_current").
func splitSeriesKey(key string) (resource, metric string) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}
