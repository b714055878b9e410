// Package telemetry exposes engine metrics through a Prometheus registry.
//
// Metrics are package variables that start out as no-ops. InitMetrics
// replaces them with registered collectors once InitializeTelemetry has
// created the registry, so callers never check whether Prometheus is on.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/sluice/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "sluice"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// CounterVec and GaugeVec resolve a metric by label values, given in the
// order the metric was declared with.
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

// NoopStat discards every observation.
type NoopStat struct{}

func (NoopStat) Observe(float64)   {}
func (NoopStat) Set(float64)       {}
func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) SetToCurrentTime() {}

// labeled adapts a label lookup to the Vec interfaces.
type labeled[M any] func(labels ...string) M

func (l labeled[M]) With(labels ...string) M { return l(labels...) }

var (
	noopCounterVec CounterVec = labeled[Counter](func(...string) Counter { return NoopStat{} })
	noopGaugeVec   GaugeVec   = labeled[Gauge](func(...string) Gauge { return NoopStat{} })
)

// opts names a metric inside the sluice namespace and tags it with the
// node it was collected on.
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts(opts(name, help)))
	registry.MustRegister(c)
	return c
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help)))
	registry.MustRegister(g)
	return g
}

// NewHistogramWithBuckets creates a histogram; nil buckets selects the
// Prometheus defaults.
func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	h := prometheus.NewHistogram(histogramOpts(name, help, buckets))
	registry.MustRegister(h)
	return h
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels)
	registry.MustRegister(v)
	return labeled[Counter](func(values ...string) Counter { return v.WithLabelValues(values...) })
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels)
	registry.MustRegister(v)
	return labeled[Gauge](func(values ...string) Gauge { return v.WithLabelValues(values...) })
}

// InitializeTelemetry creates the metrics registry when Prometheus is
// enabled. Metrics created before it (or with it disabled) are no-ops.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the HTTP handler for the registry, nil when
// Prometheus is not enabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
