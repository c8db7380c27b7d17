// Package metrics provides Prometheus collectors for guard decisions, audit
// writes, session events, device evictions and dropped bus events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// which is what components get when metrics are disabled.
type Metrics struct {
	guardDecisions  *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	auditRecords    *prometheus.CounterVec
	authEvents      *prometheus.CounterVec
	deviceEvictions prometheus.Counter
	rateLimited     *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Passing nil uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		guardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldguard_guard_decisions_total",
			Help: "Guard decisions by guard and outcome",
		}, []string{"guard", "outcome"}),

		resolveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldguard_field_resolve_duration_seconds",
			Help:    "Time spent resolving a guarded field, guards included",
			Buckets: prometheus.DefBuckets,
		}, []string{"field", "outcome"}),

		auditRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldguard_audit_records_total",
			Help: "Audit records by write result",
		}, []string{"result"}),

		authEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldguard_auth_events_total",
			Help: "Session operations by event and result",
		}, []string{"event", "result"}),

		deviceEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldguard_device_evictions_total",
			Help: "Devices deactivated to make room under the per principal cap",
		}),

		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldguard_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		}, []string{"limiter"}),

		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldguard_events_dropped_total",
			Help: "Event deliveries dropped because the bus queue was full",
		}, []string{"topic"}),
	}
}

// GuardDecision records whether a guard let the request through.
func (m *Metrics) GuardDecision(guard string, allowed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeAllowed
	if !allowed {
		outcome = OutcomeDenied
	}
	m.guardDecisions.WithLabelValues(guard, outcome).Inc()
}

// ObserveResolve records how long a field took to resolve.
func (m *Metrics) ObserveResolve(field string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.WithLabelValues(field, outcome(err)).Observe(d.Seconds())
}

// AuditRecord counts an audit write.
func (m *Metrics) AuditRecord(err error) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(outcome(err)).Inc()
}

// AuthEvent counts a login, refresh or logout.
func (m *Metrics) AuthEvent(event string, err error) {
	if m == nil {
		return
	}
	m.authEvents.WithLabelValues(event, outcome(err)).Inc()
}

// DeviceEvicted counts devices deactivated by the cap.
func (m *Metrics) DeviceEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deviceEvictions.Add(float64(n))
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

// EventDropped counts an event delivery the bus could not queue.
func (m *Metrics) EventDropped(topic string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(topic).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
