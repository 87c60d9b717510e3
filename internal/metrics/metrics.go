package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Scheduling
	AppointmentsBooked *prometheus.CounterVec
	SlotConflicts      prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	Reschedules        prometheus.Counter

	// Side effects (audit, notification)
	SideEffectsDelivered    *prometheus.CounterVec
	SideEffectsFailed       *prometheus.CounterVec
	SideEffectRetries       *prometheus.CounterVec
	SideEffectsDeadLettered *prometheus.CounterVec
	SideEffectsDropped      *prometheus.CounterVec
	SideEffectQueueDepth    *prometheus.GaugeVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates and registers all application metrics on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AppointmentsBooked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "appointments_booked_total",
			Help:      "Total number of successfully booked appointments",
		}, []string{"initial_status"}),
		SlotConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slot_conflicts_total",
			Help:      "Total number of bookings rejected because the slot was taken",
		}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "status_transitions_total",
			Help:      "Total number of accepted appointment status transitions",
		}, []string{"from", "to"}),
		Reschedules: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "reschedules_total",
			Help:      "Total number of pending appointments moved to another slot",
		}),

		SideEffectsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "delivered_total",
			Help:      "Total number of side effects delivered to their sink",
		}, []string{"sink"}),
		SideEffectsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "failed_total",
			Help:      "Total number of side effects that exhausted their retries",
		}, []string{"sink"}),
		SideEffectRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "retry_attempts_total",
			Help:      "Total number of side effect delivery retries",
		}, []string{"sink"}),
		SideEffectsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "dead_lettered_total",
			Help:      "Total number of side effects parked in the dead letter list",
		}, []string{"sink"}),
		SideEffectsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "dropped_total",
			Help:      "Total number of side effects dropped because the queue was full",
		}, []string{"sink"}),
		SideEffectQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "queue_depth",
			Help:      "Current number of side effects waiting for delivery",
		}, []string{"sink"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// NewNop returns metrics registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}
