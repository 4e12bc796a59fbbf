package discovery

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "discovery"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of sessions with the discovery protocol open.
	Sessions metrics.Gauge
	// Number of messages received, by message type.
	MessagesReceived metrics.Counter
	// Number of misbehaviors reported, by kind.
	Misbehaviors metrics.Counter
	// Number of addresses flushed in announce batches.
	AnnouncedAddrs metrics.Counter
	// Size of GetNodes responses.
	ResponseAddrs metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Sessions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions",
			Help:      "Number of sessions with the discovery protocol open.",
		}, labels).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of discovery messages received, by type.",
		}, withLabel(labels, "message_type")).With(labelsAndValues...),
		Misbehaviors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "misbehaviors",
			Help:      "Number of peer misbehaviors reported, by kind.",
		}, withLabel(labels, "kind")).With(labelsAndValues...),
		AnnouncedAddrs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "announced_addrs",
			Help:      "Number of addresses sent in announce batches.",
		}, labels).With(labelsAndValues...),
		ResponseAddrs: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "response_addrs",
			Help:      "Number of addresses in GetNodes responses.",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000},
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Sessions:         discard.NewGauge(),
		MessagesReceived: discard.NewCounter(),
		Misbehaviors:     discard.NewCounter(),
		AnnouncedAddrs:   discard.NewCounter(),
		ResponseAddrs:    discard.NewHistogram(),
	}
}

func withLabel(labels []string, label string) []string {
	out := make([]string, 0, len(labels)+1)
	return append(append(out, labels...), label)
}
