// Package metrics exports service metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frenchmentor"

// Exporter owns a private registry and every collector of the service.
type Exporter struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	tutorAttempts  *prometheus.CounterVec
	tutorLatency   prometheus.Histogram
	creditsDebited *prometheus.CounterVec
	lessons        prometheus.Counter

	snapshotSaves  *prometheus.CounterVec
	syncEvents     *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry
	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Finished turns by outcome",
		},
		[]string{"outcome"},
	)
	e.tutorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tutor",
			Name:      "attempts_total",
			Help:      "Tutor calls by result",
		},
		[]string{"result"},
	)
	e.tutorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tutor",
			Name:      "latency_seconds",
			Help:      "Tutor call latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)
	e.creditsDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_debited_total",
			Help:      "Spark credits spent, by tier",
		},
		[]string{"tier"},
	)
	e.lessons = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coach",
			Name:      "lessons_archived_total",
			Help:      "Lessons moved to the archive",
		},
	)
	e.snapshotSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "snapshot_saves_total",
			Help:      "Snapshot writes by status",
		},
		[]string{"status"},
	)
	e.syncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Cross-process sync events by direction",
		},
		[]string{"direction"},
	)
	e.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Learner sessions held in memory",
		},
	)

	registry.MustRegister(
		e.turns,
		e.tutorAttempts,
		e.tutorLatency,
		e.creditsDebited,
		e.lessons,
		e.snapshotSaves,
		e.syncEvents,
		e.activeSessions,
	)
	return e
}

func (e *Exporter) TurnFinished(outcome string) {
	e.turns.WithLabelValues(outcome).Inc()
}

func (e *Exporter) TutorAttempt(result string, elapsed time.Duration) {
	e.tutorAttempts.WithLabelValues(result).Inc()
	e.tutorLatency.Observe(elapsed.Seconds())
}

func (e *Exporter) CreditsDebited(tier string, amount int) {
	e.creditsDebited.WithLabelValues(tier).Add(float64(amount))
}

func (e *Exporter) LessonArchived() {
	e.lessons.Inc()
}

// SnapshotSaved counts a write-behind flush.
func (e *Exporter) SnapshotSaved(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.snapshotSaves.WithLabelValues(status).Inc()
}

// SyncEvent counts a published ("out") or applied ("in") sync message.
func (e *Exporter) SyncEvent(direction string) {
	e.syncEvents.WithLabelValues(direction).Inc()
}

func (e *Exporter) SetActiveSessions(n int) {
	e.activeSessions.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
