// Package metrics exports publish and consume metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/glimte/rabbitack/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rabbitack"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	consumeTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
}

// NewPrometheusCollector registers the collector's metrics on registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusCollector{
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of confirmed sends by outcome.",
		}, []string{"outcome"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from emit to broker verdict.",
			Buckets: []float64{
				0.001, 0.005, 0.01,
				0.05, 0.1, 0.5,
				1, 5, 10, 30,
			},
		}, []string{"outcome"}),
		consumeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_total",
			Help:      "Total number of settled deliveries by disposition.",
		}, []string{"disposition"}),
		processDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Processor latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_confirmations",
			Help:      "Sends currently waiting for a broker confirmation.",
		}),
	}
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(outcome messaging.Outcome, duration time.Duration) {
	c.publishTotal.WithLabelValues(outcome.String()).Inc()
	c.publishDuration.WithLabelValues(outcome.String()).Observe(duration.Seconds())
}

// RecordProcess implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordProcess(duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.processDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordDisposition implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDisposition(disposition messaging.Disposition) {
	c.consumeTotal.WithLabelValues(disposition.String()).Inc()
}

// SetPendingConfirmations implements messaging.MetricsCollector
func (c *PrometheusCollector) SetPendingConfirmations(count int) {
	c.pending.Set(float64(count))
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
