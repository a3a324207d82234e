// Package metrics exports runtime metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-rpc/interceptors"
)

const namespace = "mmate"

// Collector records per-operation message counts, errors and processing
// times. It implements interceptors.MetricsCollector.
type Collector struct {
	messages *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// Option configures a Collector
type Option func(*options)

type options struct {
	subsystem string
	buckets   []float64
	labels    prometheus.Labels
}

// WithSubsystem sets the metric subsystem, e.g. "server" or "client"
func WithSubsystem(subsystem string) Option {
	return func(o *options) {
		o.subsystem = subsystem
	}
}

// WithBuckets sets the processing time histogram buckets in seconds
func WithBuckets(buckets ...float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// WithConstLabels adds labels to every metric, e.g. the bus id
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) {
		o.labels = labels
	}
}

// NewCollector creates a collector and registers it with reg
func NewCollector(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	o := &options{
		subsystem: "chain",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   o.subsystem,
			Name:        "messages_total",
			Help:        "Messages that entered an interceptor chain.",
			ConstLabels: o.labels,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   o.subsystem,
			Name:        "errors_total",
			Help:        "Messages whose chain faulted.",
			ConstLabels: o.labels,
		}, []string{"operation", "type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   o.subsystem,
			Name:        "processing_seconds",
			Help:        "Time from chain entry to completion or fault.",
			Buckets:     o.buckets,
			ConstLabels: o.labels,
		}, []string{"operation"}),
	}

	for _, m := range []prometheus.Collector{c.messages, c.errors, c.duration} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *Collector) IncrementMessageCount(operation string) {
	c.messages.WithLabelValues(operation).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *Collector) RecordProcessingTime(operation string, duration time.Duration) {
	c.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *Collector) IncrementErrorCount(operation string, errorType string) {
	c.errors.WithLabelValues(operation, errorType).Inc()
}

// RegisterCache exports the hit, miss and size counters of a chain cache
func RegisterCache(reg prometheus.Registerer, cache *interceptors.Cache, labels prometheus.Labels) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chain_cache",
			Name:        "hits_total",
			Help:        "Chain templates served from the cache.",
			ConstLabels: labels,
		}, func() float64 { return float64(cache.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chain_cache",
			Name:        "misses_total",
			Help:        "Chain templates built because no valid entry existed.",
			ConstLabels: labels,
		}, func() float64 { return float64(cache.Misses()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "chain_cache",
			Name:        "entries",
			Help:        "Chain templates currently cached.",
			ConstLabels: labels,
		}, func() float64 { return float64(cache.Len()) }),
	}
	for _, m := range collectors {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

var _ interceptors.MetricsCollector = (*Collector)(nil)
