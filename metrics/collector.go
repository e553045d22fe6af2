// Package metrics exports pusudb hook metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yamigr/pusudb"
)

const metricsNamespace = "pusudb"

var _ pusudb.MetricsCollector = (*Collector)(nil)

// Collector is a prometheus.Collector fed through the pusudb metrics hooks.
type Collector struct {
	connections        *prometheus.GaugeVec
	connectionDuration prometheus.Histogram
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	notifications      *prometheus.CounterVec
	recipients         *prometheus.CounterVec
	deliveryFailures   prometheus.Counter
	subscriptions      prometheus.Gauge
	errors             *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connections",
				Help:      "The number of open sockets and event streams.",
			}, []string{"transport"},
		),
		connectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "connection_duration_seconds",
				Help:      "How long a client keeps its connection open.",
				Buckets:   []float64{1, 10, 60, 300, 600, 3600},
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests run through a pipeline.",
			}, []string{"db", "operation", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "The time taken to run a request through a pipeline.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of mutations fanned out to subscribers.",
			}, []string{"db", "operation"},
		),
		recipients: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notification_recipients_total",
				Help:      "The number of notifications written to subscribers.",
			}, []string{"db", "operation"},
		),
		deliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_failures_total",
				Help:      "The number of notifications that could not be written.",
			},
		),
		subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions",
				Help:      "The number of subscriptions added minus those removed by clients.",
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "The number of errors by component.",
			}, []string{"component"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connections.Describe(ch)
	c.connectionDuration.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
	c.notifications.Describe(ch)
	c.recipients.Describe(ch)
	c.deliveryFailures.Describe(ch)
	c.subscriptions.Describe(ch)
	c.errors.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connections.Collect(ch)
	c.connectionDuration.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
	c.notifications.Collect(ch)
	c.recipients.Collect(ch)
	c.deliveryFailures.Collect(ch)
	c.subscriptions.Collect(ch)
	c.errors.Collect(ch)
}

func (c *Collector) ConnectionOpened(_ string, transport string) {
	c.connections.WithLabelValues(transport).Inc()
}

func (c *Collector) ConnectionClosed(_ string, transport string, duration time.Duration) {
	c.connections.WithLabelValues(transport).Dec()
	c.connectionDuration.Observe(duration.Seconds())
}

func (c *Collector) RequestHandled(db string, operation string, status int, duration time.Duration) {
	c.requests.WithLabelValues(db, operation, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) NotificationDelivered(db string, operation string, recipients int) {
	c.notifications.WithLabelValues(db, operation).Inc()
	c.recipients.WithLabelValues(db, operation).Add(float64(recipients))
}

func (c *Collector) DeliveryFailed(_ string, _ error) {
	c.deliveryFailures.Inc()
}

func (c *Collector) Subscribed(string) {
	c.subscriptions.Inc()
}

func (c *Collector) Unsubscribed(string) {
	c.subscriptions.Dec()
}

func (c *Collector) Error(component string, _ error) {
	c.errors.WithLabelValues(component).Inc()
}
