package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TransitionsTotal        *prometheus.CounterVec
	EscalationsFired        prometheus.Counter
	ConflictRetries         prometheus.Counter
	ConflictsExhausted      prometheus.Counter
	RedisOperationDuration  *prometheus.HistogramVec
	SweepDuration           prometheus.Histogram
	SweepOverdueFound       prometheus.Counter
	LeaderElectionDuration  prometheus.Histogram
	LeaderChanges           prometheus.Counter
	NotificationsDispatched *prometheus.CounterVec
	NotificationsDelivered  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors against reg. Tests pass a
// fresh registry to avoid duplicate registration across cases.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_transitions_total",
			Help: "Total number of committed escalation timer transitions",
		}, []string{"kind"}),
		EscalationsFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalations_fired_total",
			Help: "Total number of escalations fired",
		}),
		ConflictRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_conflict_retries_total",
			Help: "Total number of version-conflict retry rounds",
		}),
		ConflictsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_conflicts_exhausted_total",
			Help: "Total number of operations that exhausted their conflict retry budget",
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_sweep_duration_seconds",
			Help:    "Time taken to sweep overdue timers",
			Buckets: prometheus.DefBuckets,
		}),
		SweepOverdueFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_sweep_overdue_found_total",
			Help: "Total number of overdue timers found by the sweeper",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweep_leader_changes_total",
			Help: "Total number of sweep leader changes",
		}),
		NotificationsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_notifications_dispatched_total",
			Help: "Total number of escalation notifications handed to the dispatcher",
		}, []string{"status"}),
		NotificationsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_notifications_delivered_total",
			Help: "Total number of escalation notifications processed by the delivery consumer",
		}, []string{"status"}),
	}
}
