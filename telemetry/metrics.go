// Package telemetry holds the Prometheus metrics exported by the daemon.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spycy"

// Registry collects every metric below. It is separate from the default
// registerer so tests can scrape it without global collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Events = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Process lifecycle events received from the kernel.",
	}, []string{"kind"})

	SequenceGaps = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_gaps_total",
		Help:      "Connector messages whose per-CPU sequence number skipped.",
	})

	MalformedFrames = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Datagrams abandoned because a frame failed validation.",
	})

	ReceiveOverruns = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receive_overruns_total",
		Help:      "Times the socket receive queue overflowed.",
	})

	Flushes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flushes_total",
		Help:      "Usage flushes to storage by outcome.",
	}, []string{"result"})

	TrackedProcesses = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_processes",
		Help:      "Live processes in the process table.",
	})

	TrackedExecutables = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_executables",
		Help:      "Distinct executables with at least one live instance.",
	})
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
