// SPDX-License-Identifier: MIT

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Render loop.
	FramesTotal  *prometheus.CounterVec
	PushesTotal  *prometheus.CounterVec
	SkippedTotal *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
	FPS          *prometheus.GaugeVec
	FrametimeMs  *prometheus.GaugeVec

	// Watchdog.
	DeviceUp         *prometheus.GaugeVec
	ProbeLatency     *prometheus.HistogramVec
	ProbeFailures    *prometheus.CounterVec
	GenerationsTotal *prometheus.CounterVec
	DroppedFrames    *prometheus.CounterVec
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "frames_total",
		Help: "Frames rendered, per device and scene.",
	}, []string{"device", "scene"})

	m.PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "pushes_total",
		Help: "Frames pushed to the transport, per device.",
	}, []string{"device"})

	m.SkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "skipped_total",
		Help: "Frames scheduled immediately because render overran its interval.",
	}, []string{"device"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "errors_total",
		Help: "Render and push errors, per device and kind.",
	}, []string{"device", "kind"})

	m.FPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "fps",
		Help: "Smoothed frames per second, per device.",
	}, []string{"device"})

	m.FrametimeMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidicon", Subsystem: "render", Name: "frametime_ms",
		Help: "Last frame render+push duration in milliseconds.",
	}, []string{"device"})

	m.DeviceUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidicon", Subsystem: "watchdog", Name: "device_up",
		Help: "Device liveness: 1 online, 0.5 degraded, 0 offline.",
	}, []string{"device"})

	m.ProbeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pidicon", Subsystem: "watchdog", Name: "probe_latency_seconds",
		Help:    "Liveness probe latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	m.ProbeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "watchdog", Name: "probe_failures_total",
		Help: "Failed liveness probes, per device.",
	}, []string{"device"})

	m.GenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "scene", Name: "generations_total",
		Help: "Scene activations, per device.",
	}, []string{"device"})

	m.DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidicon", Subsystem: "scene", Name: "dropped_frames_total",
		Help: "Frames dropped at the generation gate.",
	}, []string{"device"})

	m.registry.MustRegister(
		m.FramesTotal, m.PushesTotal, m.SkippedTotal, m.ErrorsTotal,
		m.FPS, m.FrametimeMs,
		m.DeviceUp, m.ProbeLatency, m.ProbeFailures,
		m.GenerationsTotal, m.DroppedFrames,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
