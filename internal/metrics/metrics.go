package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"kind", "name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested service stops.",
		}, []string{"kind", "name"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed start attempts by error kind.",
		}, []string{"kind", "name", "reason"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until a PID was recorded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of persisted status transitions.",
		}, []string{"kind", "from", "to"},
	)
	runningServices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "running",
			Help:      "Services recorded as running per kind.",
		}, []string{"kind"},
	)
	serviceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of the service's main process.",
		}, []string{"kind", "name"},
	)
	serviceMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service's main process.",
		}, []string{"kind", "name"},
	)

	streamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Event records appended to chat event logs.",
		}, []string{"event"},
	)
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Chat streams currently being relayed.",
		},
	)
	thoughtDegrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "thought_degrades_total",
			Help:      "Thought polling phases abandoned in favour of the main stream.",
		}, []string{"reason"},
	)

	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "finished_total",
			Help:      "Finished download tasks by outcome.",
		}, []string{"outcome"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes fetched by download tasks.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serviceStarts, serviceStops, serviceStartFailures, serviceStartDuration,
		stateTransitions, runningServices, serviceCPUPercent, serviceMemoryBytes,
		streamEvents, streamsActive, thoughtDegrades, downloads, downloadBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(kind, name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(kind, name).Inc()
	}
}

func IncStop(kind, name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(kind, name).Inc()
	}
}

func IncStartFailure(kind, name, reason string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(kind, name, reason).Inc()
	}
}

func ObserveStartDuration(kind string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func RecordStateTransition(kind, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(kind, from, to).Inc()
	}
}

func SetRunning(kind string, n int) {
	if regOK.Load() {
		runningServices.WithLabelValues(kind).Set(float64(n))
	}
}

func IncStreamEvent(event string) {
	if regOK.Load() {
		streamEvents.WithLabelValues(event).Inc()
	}
}

func StreamStarted() {
	if regOK.Load() {
		streamsActive.Inc()
	}
}

func StreamFinished() {
	if regOK.Load() {
		streamsActive.Dec()
	}
}

func IncThoughtDegrade(reason string) {
	if regOK.Load() {
		thoughtDegrades.WithLabelValues(reason).Inc()
	}
}

func IncDownload(outcome string) {
	if regOK.Load() {
		downloads.WithLabelValues(outcome).Inc()
	}
}

func AddDownloadBytes(n int64) {
	if regOK.Load() && n > 0 {
		downloadBytes.Add(float64(n))
	}
}
