// Package observability provides Prometheus metrics for the volume daemon.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all vold metrics.
	namespace = "vold"
)

// Metrics holds all Prometheus metrics for the volume daemon.
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// State machine metrics
	stateTransitionsTotal *prometheus.CounterVec

	// Busy-target metrics
	busyRetriesTotal         *prometheus.CounterVec
	processTerminationsTotal *prometheus.CounterVec

	// Filesystem detection metrics
	detectionsTotal *prometheus.CounterVec

	// Circuit breaker metrics
	breakerRejectionsTotal prometheus.Counter

	// Encryption mapping metrics
	cryptoMappingsActive prometheus.Gauge

	// Hotplug and broadcast metrics
	syntheticEventsTotal     *prometheus.CounterVec
	broadcastsDroppedTotal   prometheus.Counter
	automountsThrottledTotal prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		stateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_state_transitions_total",
				Help:      "Total number of volume state transitions by target state",
			},
			[]string{"state"},
		),

		busyRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "busy_retries_total",
				Help:      "Total number of retries after a busy mount target by operation",
			},
			[]string{"operation"},
		),

		processTerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_terminations_total",
				Help:      "Total number of escalations against processes holding a busy path by signal",
			},
			[]string{"signal"},
		),

		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filesystem_detections_total",
				Help:      "Total number of filesystem checks by driver and result",
			},
			[]string{"driver", "result"},
		),

		breakerRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Total number of mounts rejected by an open circuit breaker",
		}),

		cryptoMappingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crypto_mappings_active",
			Help:      "Number of volumes currently remapped to a decrypted device",
		}),

		syntheticEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthetic_events_total",
				Help:      "Total number of synthetic hotplug events published by action",
			},
			[]string{"action"},
		),

		broadcastsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Total number of broadcasts dropped for slow subscribers",
		}),

		automountsThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automounts_throttled_total",
			Help:      "Total number of hotplug automounts skipped by the rate limiter",
		}),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.stateTransitionsTotal,
		m.busyRetriesTotal,
		m.processTerminationsTotal,
		m.detectionsTotal,
		m.breakerRejectionsTotal,
		m.cryptoMappingsActive,
		m.syntheticEventsTotal,
		m.broadcastsDroppedTotal,
		m.automountsThrottledTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
// Use promhttp.HandlerFor with the custom registry for proper isolation.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordVolumeOp records a volume operation with timing.
// operation should be one of: mount, unmount, format, share, unshare, delete.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.volumeOpsTotal.WithLabelValues(operation, status).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStateTransition records a volume entering state.
func (m *Metrics) RecordStateTransition(state string) {
	if m == nil {
		return
	}
	m.stateTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordBusyRetry records a retry after EBUSY.
// operation should be one of: move, unmount.
func (m *Metrics) RecordBusyRetry(operation string) {
	if m == nil {
		return
	}
	m.busyRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordTermination records an escalation against holders of a busy path.
func (m *Metrics) RecordTermination(signal string) {
	if m == nil {
		return
	}
	m.processTerminationsTotal.WithLabelValues(signal).Inc()
}

// RecordDetection records the result of one driver's filesystem check.
func (m *Metrics) RecordDetection(driver, result string) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(driver, result).Inc()
}

// RecordBreakerRejection records a mount rejected by an open circuit breaker.
func (m *Metrics) RecordBreakerRejection() {
	if m == nil {
		return
	}
	m.breakerRejectionsTotal.Inc()
}

// RecordCryptoMapped records a volume switching to its decrypted device.
func (m *Metrics) RecordCryptoMapped() {
	if m == nil {
		return
	}
	m.cryptoMappingsActive.Inc()
}

// RecordCryptoReverted records a volume switching back to its raw device.
func (m *Metrics) RecordCryptoReverted() {
	if m == nil {
		return
	}
	m.cryptoMappingsActive.Dec()
}

// RecordSyntheticEvent records a synthetic hotplug event.
func (m *Metrics) RecordSyntheticEvent(action string) {
	if m == nil {
		return
	}
	m.syntheticEventsTotal.WithLabelValues(action).Inc()
}

// RecordBroadcastDropped records a broadcast a subscriber could not take.
func (m *Metrics) RecordBroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastsDroppedTotal.Inc()
}

// RecordAutomountThrottled records a hotplug automount skipped by the rate limiter.
func (m *Metrics) RecordAutomountThrottled() {
	if m == nil {
		return
	}
	m.automountsThrottledTotal.Inc()
}
