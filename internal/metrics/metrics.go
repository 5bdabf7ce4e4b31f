package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of clean service stops.",
		}, []string{"service"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of abnormal service exits.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restart attempts.",
		}, []string{"service"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "berth",
			Subsystem: "service",
			Name:      "running",
			Help:      "Current number of running supervised services.",
		},
	)
	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "health",
			Name:      "transitions_total",
			Help:      "Number of health state transitions.",
		}, []string{"service", "from", "to"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes (including timeouts).",
		}, []string{"service"},
	)
	portReassignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "ports",
			Name:      "reassignments_total",
			Help:      "Number of port claims moved by auto-assignment.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceCrashes, serviceRestarts,
		runningServices, healthTransitions, probeFailures, portReassignments,
	}
	for _, c := range cs {
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

// Handler returns an http.Handler serving the default Prometheus gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}
func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}
func IncCrash(service string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(service).Inc()
	}
}
func IncRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}
func SetRunning(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}
func RecordHealthTransition(service, from, to string) {
	if regOK.Load() {
		healthTransitions.WithLabelValues(service, from, to).Inc()
	}
}
func IncProbeFailure(service string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(service).Inc()
	}
}
func IncPortReassignment(service string) {
	if regOK.Load() {
		portReassignments.WithLabelValues(service).Inc()
	}
}
