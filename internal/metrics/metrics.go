// Package metrics holds the Prometheus collectors Threadline exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the registry served at /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ReconcileDecisions counts reconciler evaluations by action and reason.
	ReconcileDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "reconcile",
		Name:      "decisions_total",
		Help:      "Stream-resume reconciler decisions by action and reason.",
	}, []string{"action", "reason"})

	// ResumeFailures counts resume calls that returned an error.
	ResumeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "reconcile",
		Name:      "resume_failures_total",
		Help:      "Resume attempts that failed.",
	})

	// StreamsStarted counts generation streams opened by the hub.
	StreamsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "stream",
		Name:      "started_total",
		Help:      "Generation streams started.",
	})

	// StreamsFinished counts terminated streams by final status.
	StreamsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "stream",
		Name:      "finished_total",
		Help:      "Generation streams finished, by final status.",
	}, []string{"status"})

	// ActiveStreams tracks streams that have started but not finished.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "threadline",
		Subsystem: "stream",
		Name:      "active",
		Help:      "Generation streams currently active.",
	})

	// ChunksPublished counts text chunks appended to stream logs.
	ChunksPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "stream",
		Name:      "chunks_published_total",
		Help:      "Text chunks published to streams.",
	})

	// RateLimited counts API requests rejected by the per-client limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadline",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReconcileDecisions,
		ResumeFailures,
		StreamsStarted,
		StreamsFinished,
		ActiveStreams,
		ChunksPublished,
		RateLimited,
	)
}
