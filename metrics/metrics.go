// Package metrics exposes the relay's Prometheus collectors.
//
// A Metrics value owns a private registry so tests and embedded relays never
// collide on the global one. All recording methods are safe on a nil
// receiver, which lets components treat metrics as optional.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/aquarelay/protocol"
	"github.com/vinayprograms/aquarelay/registry"
)

const namespace = "aquarelay"

// Metrics holds every collector the relay records into.
type Metrics struct {
	registry *prometheus.Registry

	consumers        prometheus.Gauge
	producer         prometheus.Gauge
	supersessions    prometheus.Counter
	replays          *prometheus.CounterVec
	samplesRelayed   prometheus.Counter
	samplesDiscarded *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	fanoutDuration   prometheus.Histogram
	handshakes       *prometheus.CounterVec
	sweeps           prometheus.Counter
	probes           prometheus.Counter
	reading          *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "consumers",
			Help:      "Currently registered consumers.",
		}),
		producer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "producer_connected",
			Help:      "1 while a producer is connected.",
		}),
		supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "producer_superseded_total",
			Help:      "Producers replaced by a newer producer.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "replays_total",
			Help:      "Latest-sample replays to joining consumers.",
		}, []string{"result"}),
		samplesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "samples_total",
			Help:      "Producer samples accepted and fanned out.",
		}),
		samplesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "samples_discarded_total",
			Help:      "Producer frames dropped before fan-out.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Per-consumer send attempts.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections removed by the relay.",
		}, []string{"reason"}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "fanout_duration_seconds",
			Help:      "Time to hand one sample to every consumer.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Completed role handshakes.",
		}, []string{"role", "policy"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "sweeps_total",
			Help:      "Liveness sweeps run.",
		}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "probes_total",
			Help:      "Ping probes sent.",
		}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sample",
			Name:      "value",
			Help:      "Numeric fields of the latest relayed sample.",
		}, []string{"field"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.consumers, m.producer, m.supersessions, m.replays,
		m.samplesRelayed, m.samplesDiscarded, m.deliveries, m.evictions, m.fanoutDuration,
		m.handshakes, m.sweeps, m.probes, m.reading,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRegistry is a registry.Observer.
func (m *Metrics) ObserveRegistry(e registry.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case registry.EventProducerSuperseded:
		m.supersessions.Inc()
	case registry.EventReplayed:
		m.replays.WithLabelValues("ok").Inc()
	case registry.EventReplayFailed:
		m.replays.WithLabelValues("failed").Inc()
	}
	m.consumers.Set(float64(e.Consumers))
	if e.Producer {
		m.producer.Set(1)
	} else {
		m.producer.Set(0)
	}
}

// SampleRelayed records one fanned-out sample.
func (m *Metrics) SampleRelayed(s *protocol.Sample, delivered, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.samplesRelayed.Inc()
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
	m.fanoutDuration.Observe(d.Seconds())

	if s == nil {
		return
	}
	if v, ok := s.Conductivity(); ok {
		m.reading.WithLabelValues(protocol.FieldConductivity).Set(v)
	}
	if v, ok := s.PH(); ok {
		m.reading.WithLabelValues(protocol.FieldPH).Set(v)
	}
	if v, ok := s.Temperature(); ok {
		m.reading.WithLabelValues(protocol.FieldTemperature).Set(v)
	}
}

// SampleDiscarded records a dropped producer frame.
func (m *Metrics) SampleDiscarded(reason string) {
	if m == nil {
		return
	}
	m.samplesDiscarded.WithLabelValues(reason).Inc()
}

// Evicted records a connection removed by the relay.
func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// HandshakeCompleted records a role decision.
func (m *Metrics) HandshakeCompleted(role, policy string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, policy).Inc()
}

// SweepCompleted records one liveness sweep.
func (m *Metrics) SweepCompleted(probed int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.probes.Add(float64(probed))
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
