package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of a cache node
type Metrics struct {
	// Episode metrics
	EpisodesTotal   *prometheus.CounterVec
	EpisodeDuration prometheus.Histogram
	EpisodesActive  prometheus.Gauge

	// State transfer metrics
	PullResponsesTotal *prometheus.CounterVec
	EntriesPulledTotal prometheus.Counter
	PushRequestsTotal  *prometheus.CounterVec
	PushDuration       *prometheus.HistogramVec

	// Transaction log metrics
	TranslogSize    prometheus.Gauge
	TranslogAppends prometheus.Counter
	DrainIterations prometheus.Histogram
	FinalDrainSize  prometheus.Histogram
	WriteLockHeld   prometheus.Histogram

	// Container metrics
	ContainerEntries        prometheus.Gauge
	EntriesAppliedTotal     *prometheus.CounterVec
	EntriesInvalidatedTotal prometheus.Counter

	// Membership metrics
	ClusterMembers prometheus.Gauge
	ViewChanges    prometheus.Counter

	// RPC server metrics
	CommandsHandledTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses
// the default registry.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		EpisodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "episodes_total",
			Help:        "Total number of rehash episodes by result",
			ConstLabels: labels,
		}, []string{"result"}),
		EpisodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "episode_duration_seconds",
			Help:        "Histogram of rehash episode durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		EpisodesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "episodes_active",
			Help:        "Number of rehash episodes currently running",
			ConstLabels: labels,
		}),

		PullResponsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "pull_responses_total",
			Help:        "State pull responses by result",
			ConstLabels: labels,
		}, []string{"result"}),
		EntriesPulledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "entries_pulled_total",
			Help:        "Total number of entries received through state pulls",
			ConstLabels: labels,
		}),
		PushRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "push_requests_total",
			Help:        "Push requests by kind and result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		PushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "rehash",
			Name:        "push_duration_seconds",
			Help:        "Histogram of push request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),

		TranslogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "translog",
			Name:        "size",
			Help:        "Number of commands waiting in the transaction log",
			ConstLabels: labels,
		}),
		TranslogAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "translog",
			Name:        "appends_total",
			Help:        "Total number of commands appended to the transaction log",
			ConstLabels: labels,
		}),
		DrainIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "translog",
			Name:        "drain_iterations",
			Help:        "Unlocked drain passes per episode",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(0, 5, 10),
		}),
		FinalDrainSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "translog",
			Name:        "final_drain_commands",
			Help:        "Commands drained under the write lock",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}),
		WriteLockHeld: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "translog",
			Name:        "write_lock_held_seconds",
			Help:        "Time writes were blocked by the final drain",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ContainerEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "container",
			Name:        "entries",
			Help:        "Number of entries held by the data container",
			ConstLabels: labels,
		}),
		EntriesAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "container",
			Name:        "entries_applied_total",
			Help:        "Entries applied to the container by source",
			ConstLabels: labels,
		}, []string{"source"}),
		EntriesInvalidatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "container",
			Name:        "entries_invalidated_total",
			Help:        "Entries dropped after losing ownership",
			ConstLabels: labels,
		}),

		ClusterMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cluster",
			Name:        "members",
			Help:        "Number of members in the current view",
			ConstLabels: labels,
		}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cluster",
			Name:        "view_changes_total",
			Help:        "Total number of installed views",
			ConstLabels: labels,
		}),

		CommandsHandledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "rpc",
			Name:        "commands_handled_total",
			Help:        "Remote commands handled by type and result",
			ConstLabels: labels,
		}, []string{"type", "result"}),
	}
}

// NewNopMetrics returns metrics registered on a private registry
func NewNopMetrics() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}

// RecordEpisode records an episode outcome
func (m *Metrics) RecordEpisode(result string, duration time.Duration) {
	m.EpisodesTotal.WithLabelValues(result).Inc()
	m.EpisodeDuration.Observe(duration.Seconds())
}

// RecordPush records a push request outcome
func (m *Metrics) RecordPush(kind string, success bool, duration time.Duration) {
	m.PushRequestsTotal.WithLabelValues(kind, resultLabel(success)).Inc()
	m.PushDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPull records a state pull response
func (m *Metrics) RecordPull(success bool, entries int) {
	m.PullResponsesTotal.WithLabelValues(resultLabel(success)).Inc()
	if success {
		m.EntriesPulledTotal.Add(float64(entries))
	}
}

// RecordCommand records a handled remote command
func (m *Metrics) RecordCommand(commandType string, err error) {
	m.CommandsHandledTotal.WithLabelValues(commandType, resultLabel(err == nil)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
