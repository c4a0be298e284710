// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package promstat exports the metrics of an expvar map to Prometheus.
//
// The integer and floating-point entries of the map are reported as
// constant metrics each time the collector is scraped. Entries listed as
// gauges are reported as gauges; all others are counters. Other entry types
// are skipped.
//
// To serve the metrics of all netrons in the process:
//
//	http.Handle("/metrics", promstat.Handler(promstat.Netron()))
package promstat

import (
	"expvar"
	"net/http"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/netron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// A Collector is a prometheus.Collector for the entries of an expvar.Map.
// Because the map may gain or lose entries, it is an unchecked collector and
// does not describe its metrics in advance.
type Collector struct {
	ns     string
	m      *expvar.Map
	gauges mapset.Set[string]
}

// New constructs a collector for the entries of m, with metric names in the
// given namespace. The entries named by gauges are reported as gauges.
func New(namespace string, m *expvar.Map, gauges ...string) *Collector {
	return &Collector{ns: namespace, m: m, gauges: mapset.New(gauges...)}
}

// Netron returns a collector for the metrics shared by all netrons in the
// process, in the "netron" namespace.
func Netron() *Collector { return New("netron", netron.Metrics(), netron.Gauges...) }

// Describe implements prometheus.Collector. It sends no descriptors.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		var val float64
		switch v := kv.Value.(type) {
		case *expvar.Int:
			val = float64(v.Value())
		case *expvar.Float:
			val = v.Value()
		default:
			return
		}
		typ, help := prometheus.CounterValue, "Counter "+kv.Key
		if c.gauges.Has(kv.Key) {
			typ, help = prometheus.GaugeValue, "Gauge "+kv.Key
		}
		desc := prometheus.NewDesc(prometheus.BuildFQName(c.ns, "", kv.Key), help, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, typ, val)
	})
}

// Handler returns an HTTP handler that serves the metrics of c, on a registry
// of its own.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
