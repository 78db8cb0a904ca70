// Package metrics exports prometheus metrics of append logs
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements appendlog.Observer
type Collector struct {
	Appends        prometheus.Counter
	AppendBytes    *prometheus.CounterVec
	AppendDuration prometheus.Histogram
	RecoveredBytes prometheus.Counter
	Errors         *prometheus.CounterVec
}

// New registers metrics in reg. If name is not empty, metrics have a
// "log" label with that value so that many logs can share a registry.
func New(reg prometheus.Registerer, name string) *Collector {
	var labels prometheus.Labels
	if name != "" {
		labels = prometheus.Labels{"log": name}
	}
	f := promauto.With(reg)
	return &Collector{
		Appends: f.NewCounter(
			prometheus.CounterOpts{
				Name:        "reclog_appends_total",
				Help:        "Number of successful appends",
				ConstLabels: labels,
			},
		),
		AppendBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "reclog_append_bytes_total",
				Help:        "Bytes appended, raw is size of records, written is size of frames",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		AppendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "reclog_append_duration_seconds",
				Help:        "Time to compress, write and sync a record",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
		),
		RecoveredBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name:        "reclog_recovered_bytes_total",
				Help:        "Bytes removed from the end of log files when opening them",
				ConstLabels: labels,
			},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "reclog_errors_total",
				Help:        "Failed appends by kind (io, codec)",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
	}
}

func (c *Collector) ObserveAppend(raw int, written int, dur time.Duration) {
	c.Appends.Inc()
	c.AppendBytes.WithLabelValues("raw").Add(float64(raw))
	c.AppendBytes.WithLabelValues("written").Add(float64(written))
	c.AppendDuration.Observe(dur.Seconds())
}

func (c *Collector) ObserveRecovery(truncated int64) {
	c.RecoveredBytes.Add(float64(truncated))
}

func (c *Collector) ObserveError(kind string) {
	c.Errors.WithLabelValues(kind).Inc()
}

// Handler serves metrics from g in prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
