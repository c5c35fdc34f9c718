// Package telemetry exposes the overlay engine's Prometheus metrics on an
// isolated registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all meshnode Prometheus collectors. It uses an isolated
// prometheus.Registry so these metrics never collide with the process
// default registry, and so each test gets its own independent instance.
type Metrics struct {
	Registry *prometheus.Registry

	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	STUNProbeTotal *prometheus.CounterVec

	ConnectedPeers *prometheus.GaugeVec

	DatagramsTotal     *prometheus.CounterVec
	DatagramBytesTotal *prometheus.CounterVec

	FragmentsTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// fresh registry. version and goVersion are recorded as labels on the
// meshnode_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_holepunch_total",
				Help: "Total number of hole punch attempts.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshnode_holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"result"},
		),

		STUNProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_stun_probe_total",
				Help: "Total number of STUN probe attempts.",
			},
			[]string{"result"},
		),

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshnode_connected_peers",
				Help: "Number of peers currently tracked as connected.",
			},
			[]string{"network_id"},
		),

		DatagramsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_datagrams_total",
				Help: "Total datagrams processed by the overlay engine.",
			},
			[]string{"direction", "type", "result"},
		),
		DatagramBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_datagram_bytes_total",
				Help: "Total bytes transferred by the overlay engine.",
			},
			[]string{"direction"},
		),

		FragmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_fragments_total",
				Help: "Total erasure-coded fragments sent or reconstructed.",
			},
			[]string{"direction", "result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshnode_info",
				Help: "Build information for the running meshnode instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.STUNProbeTotal,
		m.ConnectedPeers,
		m.DatagramsTotal,
		m.DatagramBytesTotal,
		m.FragmentsTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
