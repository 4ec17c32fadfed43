// Package metrics holds the Prometheus collectors shared by the core
// services. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qms_queue_waiting_entries",
			Help: "Current number of waiting entries per location",
		},
		[]string{"location_id"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_queue_operations_total",
			Help: "Total queue ledger operations",
		},
		[]string{"operation", "status"},
	)

	assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_assignments_total",
			Help: "Queue entries assigned, by assignment method",
		},
		[]string{"method"},
	)

	checkinStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_checkin_state_changes_total",
			Help: "Check-in status changes",
		},
		[]string{"status"},
	)

	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_checkin_verifications_total",
			Help: "Check-in presence verifications, by method and result",
		},
		[]string{"method", "result"},
	)

	persistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_persistence_failures_total",
			Help: "Failed writes to the persistence collaborator",
		},
		[]string{"op"},
	)

	pendingRetries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qms_pending_retries",
			Help: "Writes waiting for the resync pass",
		},
	)

	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_alerts_raised_total",
			Help: "System alerts raised",
		},
		[]string{"type", "severity"},
	)

	httpRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qms_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func SetQueueLength(locationID string, n int) {
	queueLength.WithLabelValues(locationID).Set(float64(n))
}

func QueueOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queueOperations.WithLabelValues(operation, status).Inc()
}

func Assigned(method string) {
	assignments.WithLabelValues(method).Inc()
}

func CheckinState(status string) {
	checkinStates.WithLabelValues(status).Inc()
}

func Verification(method string, ok bool) {
	result := "failed"
	if ok {
		result = "verified"
	}
	verifications.WithLabelValues(method, result).Inc()
}

func PersistenceFailure(op string) {
	persistenceFailures.WithLabelValues(op).Inc()
}

func SetPendingRetries(n int) {
	pendingRetries.Set(float64(n))
}

func AlertRaised(alertType, severity string) {
	alertsRaised.WithLabelValues(alertType, severity).Inc()
}

func ObserveHTTP(method, route, status string, seconds float64) {
	httpRequests.WithLabelValues(method, route, status).Observe(seconds)
}
