package stats

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a finagle registry to Prometheus. Instrument
// names are only known once recorded, so this is an unchecked collector: it
// describes nothing and builds const metrics on every scrape.
type PrometheusCollector struct {
	namespace string
	registry  StatsRegistry
}

func NewPrometheusCollector(namespace string, registry StatsRegistry) *PrometheusCollector {
	return &PrometheusCollector{namespace: namespace, registry: registry}
}

func (c *PrometheusCollector) Describe(chan<- *prometheus.Desc) {}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			c.emit(ch, name, prometheus.CounterValue, float64(stat.Count()))
		case Gauge:
			c.emit(ch, name, prometheus.GaugeValue, float64(stat.Value()))
		case GaugeFloat:
			c.emit(ch, name, prometheus.GaugeValue, stat.Value())
		case Latency:
			hist, precision := stat.View()
			c.emitHistogram(ch, name, hist, precision)
		}
	})
}

func (c *PrometheusCollector) emitHistogram(ch chan<- prometheus.Metric, name string, hist HistogramView, precision time.Duration) {
	data := jsonMap{}
	marshalHistogram(data, name, hist, precision)
	for key, val := range data {
		switch v := val.(type) {
		case int64:
			c.emit(ch, key, prometheus.GaugeValue, float64(v))
		case float64:
			c.emit(ch, key, prometheus.GaugeValue, v)
		}
	}
}

func (c *PrometheusCollector) emit(ch chan<- prometheus.Metric, name string, kind prometheus.ValueType, val float64) {
	desc := prometheus.NewDesc(PrometheusName(c.namespace, name), name, nil, nil)
	ch <- prometheus.MustNewConstMetric(desc, kind, val)
}

// PrometheusName maps a slash scoped stat name onto the Prometheus charset,
// e.g. "node/gpu-0/vramUsedRatioGauge" becomes "ns_node_gpu_0_vramUsedRatioGauge".
func PrometheusName(namespace, name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, name)
	if namespace == "" {
		return clean
	}
	return namespace + "_" + clean
}
