package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "urai_sidecar"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "acquisitions_total",
			Help:      "Acquire calls by outcome (reused, spawned, failed).",
		}, []string{"outcome"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "failures_total",
			Help:      "Failed acquisitions by error kind.",
		}, []string{"kind"},
	)
	staleReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stale_reclaims_total",
			Help:      "Lock records discarded because their worker was gone.",
		},
	)
	releases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "releases_total",
			Help:      "Release calls that found a lock record.",
		},
	)
	startupSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "startup_seconds",
			Help:      "Time from spawn to port announcement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Observed worker exits by exit code (-1 for signals).",
		}, []string{"code"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{acquisitions, failures, staleReclaims, releases, startupSeconds, workerExits, currentState}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncAcquire(outcome string) {
	if regOK.Load() {
		acquisitions.WithLabelValues(outcome).Inc()
	}
}

func IncFailure(kind string) {
	if regOK.Load() {
		failures.WithLabelValues(kind).Inc()
	}
}

func IncStaleReclaim() {
	if regOK.Load() {
		staleReclaims.Inc()
	}
}

func IncRelease() {
	if regOK.Load() {
		releases.Inc()
	}
}

func ObserveStartup(seconds float64) {
	if regOK.Load() {
		startupSeconds.Observe(seconds)
	}
}

func IncWorkerExit(code int) {
	if regOK.Load() {
		workerExits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// SetState marks state as the only active one among states.
func SetState(state string, states []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}
