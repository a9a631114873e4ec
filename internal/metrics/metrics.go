// Package metrics holds the Prometheus collectors of the abuse guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_events_total",
		Help: "Security events recorded, by event type",
	}, []string{"event_type"})
	eventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abuse_guard_events_rejected_total",
		Help: "Security events rejected at the ingestion boundary",
	})
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_alerts_total",
		Help: "Alerts created, by pattern and severity",
	}, []string{"pattern", "severity"})
	alertsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_alerts_suppressed_total",
		Help: "Threshold crossings suppressed by an active cooldown",
	}, []string{"pattern"})
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_actions_total",
		Help: "Mitigation actions executed, by action and outcome",
	}, []string{"action", "outcome"})
	incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_monitoring_incidents_total",
		Help: "Degraded operations recorded as monitoring incidents, by component",
	}, []string{"component"})
	blockChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_block_checks_total",
		Help: "Ingress block checks, by result (allowed, blocked, fail_open, fail_closed)",
	}, []string{"result"})
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_guard_notifications_total",
		Help: "Admin notification deliveries, by channel and outcome",
	}, []string{"channel", "outcome"})
	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abuse_guard_store_op_duration_seconds",
		Help:    "Shared store operation latency",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})
	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abuse_guard_store_breaker_open",
		Help: "1 when the store circuit breaker is open",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		eventsTotal, eventsRejectedTotal, alertsTotal, alertsSuppressedTotal,
		actionsTotal, incidentsTotal, blockChecksTotal, notificationsTotal,
		storeLatency, breakerState,
	)
}

// IncEvent counts a recorded event.
func IncEvent(eventType string) { eventsTotal.WithLabelValues(eventType).Inc() }

// IncEventRejected counts an event rejected by validation.
func IncEventRejected() { eventsRejectedTotal.Inc() }

// IncAlert counts a created alert.
func IncAlert(pattern, severity string) { alertsTotal.WithLabelValues(pattern, severity).Inc() }

// IncAlertSuppressed counts a threshold crossing absorbed by cooldown.
func IncAlertSuppressed(pattern string) { alertsSuppressedTotal.WithLabelValues(pattern).Inc() }

// IncAction counts an executed action. outcome is "ok" or "failed".
func IncAction(action, outcome string) { actionsTotal.WithLabelValues(action, outcome).Inc() }

// IncIncident counts a monitoring incident.
func IncIncident(component string) { incidentsTotal.WithLabelValues(component).Inc() }

// IncBlockCheck counts an ingress block check.
func IncBlockCheck(result string) { blockChecksTotal.WithLabelValues(result).Inc() }

// IncNotification counts a notification delivery attempt outcome.
func IncNotification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveStoreOp records the latency of one store operation.
func ObserveStoreOp(op string, seconds float64) { storeLatency.WithLabelValues(op).Observe(seconds) }

// SetBreakerOpen records the store breaker state.
func SetBreakerOpen(open bool) {
	if open {
		breakerState.Set(1)
	} else {
		breakerState.Set(0)
	}
}
