package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox worker metrics
	OutboxEventsDelivered    prometheus.Counter
	OutboxEventsIgnored      prometheus.Counter
	OutboxEventsRetried      *prometheus.CounterVec
	OutboxEventsDeadLettered *prometheus.CounterVec
	OutboxStaleRecovered     prometheus.Counter
	OutboxCycleLatency       prometheus.Histogram
	OutboxDeliveryLag        *prometheus.HistogramVec
	OutboxConsecutiveErrors  prometheus.Gauge
	OutboxPending            prometheus.Gauge
	OutboxOldestPendingAge   prometheus.Gauge

	// Dead-letter replay
	DeadLetterReplays *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec

	// Redis metrics
	RedisOperations *prometheus.CounterVec
	RedisLatency    *prometheus.HistogramVec
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		OutboxEventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_delivered_total",
			Help:      "Total number of outbox events delivered to every subscribed consumer",
		}),
		OutboxEventsIgnored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_ignored_total",
			Help:      "Total number of outbox events with an unknown event type",
		}),
		OutboxEventsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_retried_total",
			Help:      "Total number of outbox events unclaimed for redelivery",
		}, []string{"event_type"}),
		OutboxEventsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_dead_lettered_total",
			Help:      "Total number of consumer failures moved to the dead-letter queue",
		}, []string{"event_type", "consumer"}),
		OutboxStaleRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_stale_claims_recovered_total",
			Help:      "Total number of abandoned claims made claimable again",
		}),
		OutboxCycleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_cycle_duration_seconds",
			Help:      "Time spent on one claim and dispatch cycle",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxDeliveryLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_delivery_lag_seconds",
			Help:      "Time between event creation and delivery",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"event_type"}),
		OutboxConsecutiveErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_consecutive_errors",
			Help:      "Number of consecutive failed worker cycles",
		}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_pending_events",
			Help:      "Current number of unclaimed outbox events",
		}),
		OutboxOldestPendingAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_oldest_pending_age_seconds",
			Help:      "Age of the oldest unclaimed outbox event",
		}),

		DeadLetterReplays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_letter_replays_total",
			Help:      "Total number of dead-letter replays",
		}, []string{"consumer", "status"}),

		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),

		RedisOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		}, []string{"operation", "status"}),
		RedisLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redis_operation_duration_seconds",
			Help:      "Duration of Redis operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"operation"}),
	}
}

// NewForTest returns metrics bound to a private registry.
func NewForTest() *Metrics {
	return NewMetrics("test", "", prometheus.NewRegistry())
}

// ObserveDB records the outcome of a named database operation.
func (m *Metrics) ObserveDB(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DatabaseOperations.WithLabelValues(operation, status).Inc()
}
