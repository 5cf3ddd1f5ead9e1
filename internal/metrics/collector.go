// Package metrics exposes Prometheus metrics for the log hub, the connection
// gate and the JSON API.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/loggate/internal/gate"
	"github.com/vyrodovalexey/loggate/internal/jsonapi"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

const (
	// Namespace is the metrics namespace for all loggate metrics.
	Namespace = "loggate"

	// Subsystem names for different components.
	SubsystemLog     = "log"
	SubsystemGate    = "gate"
	SubsystemJSONAPI = "jsonapi"
)

var (
	_ logging.HubMetrics = (*Collector)(nil)
	_ gate.Metrics       = (*Collector)(nil)
	_ jsonapi.Metrics    = (*Collector)(nil)
)

// Collector holds every loggate metric. It implements the metrics hooks of
// the hub, the gate and the JSON API.
type Collector struct {
	RecordsTotal    *prometheus.CounterVec
	RecordsRetained prometheus.Gauge
	HubSinks        prometheus.Gauge

	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ConnectionsClosed   prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	Listening           prometheus.Gauge

	RequestsTotal  *prometheus.CounterVec
	RecordsDropped prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemLog,
				Name:      "records_total",
				Help:      "Total number of log records received by the hub",
			},
			[]string{"level"},
		),
		RecordsRetained: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemLog,
				Name:      "records_retained",
				Help:      "Number of log records held in the hub history",
			},
		),
		HubSinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemLog,
				Name:      "sinks",
				Help:      "Number of sinks attached to the hub",
			},
		),
		ConnectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemGate,
				Name:      "connections_accepted_total",
				Help:      "Total number of admitted connections",
			},
			[]string{"local"},
		),
		ConnectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemGate,
				Name:      "connections_rejected_total",
				Help:      "Total number of rejected connections by reason",
			},
			[]string{"reason"},
		),
		ConnectionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemGate,
				Name:      "connections_closed_total",
				Help:      "Total number of admitted connections that ended",
			},
		),
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemGate,
				Name:      "connections_active",
				Help:      "Number of active connections",
			},
		),
		Listening: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemGate,
				Name:      "listening",
				Help:      "1 while the gate holds a listening socket",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemJSONAPI,
				Name:      "requests_total",
				Help:      "Total number of JSON API requests",
			},
			[]string{"command", "success"},
		),
		RecordsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemJSONAPI,
				Name:      "records_dropped_total",
				Help:      "Total number of streamed messages dropped for slow peers",
			},
		),
	}
}

// RecordReceived implements logging.HubMetrics.
func (c *Collector) RecordReceived(level logging.Level) {
	c.RecordsTotal.WithLabelValues(level.String()).Inc()
}

// SetRetained implements logging.HubMetrics.
func (c *Collector) SetRetained(n int) {
	c.RecordsRetained.Set(float64(n))
}

// SetSinks implements logging.HubMetrics.
func (c *Collector) SetSinks(n int) {
	c.HubSinks.Set(float64(n))
}

// ConnectionAccepted implements gate.Metrics.
func (c *Collector) ConnectionAccepted(local bool) {
	c.ConnectionsAccepted.WithLabelValues(strconv.FormatBool(local)).Inc()
}

// ConnectionRejected implements gate.Metrics.
func (c *Collector) ConnectionRejected(reason string) {
	c.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// ConnectionClosed implements gate.Metrics.
func (c *Collector) ConnectionClosed() {
	c.ConnectionsClosed.Inc()
}

// SetActive implements gate.Metrics.
func (c *Collector) SetActive(n int) {
	c.ConnectionsActive.Set(float64(n))
}

// SetListening implements gate.Metrics.
func (c *Collector) SetListening(listening bool) {
	if listening {
		c.Listening.Set(1)
		return
	}
	c.Listening.Set(0)
}

// RequestHandled implements jsonapi.Metrics.
func (c *Collector) RequestHandled(command string, success bool) {
	c.RequestsTotal.WithLabelValues(command, strconv.FormatBool(success)).Inc()
}

// RecordDropped implements jsonapi.Metrics.
func (c *Collector) RecordDropped() {
	c.RecordsDropped.Inc()
}
