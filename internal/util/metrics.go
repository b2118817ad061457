package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order requests rejected before creation",
	}, []string{"reason"})

	OrderRequestsDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_requests_deduplicated_total",
		Help: "Total number of re-delivered order requests answered from the request cache",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order state transitions",
	}, []string{"to_state", "trigger"})

	StateConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_state_conflicts_total",
		Help: "Total number of compare-and-transition conflicts that forced a re-read",
	})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of payment callbacks by disposition",
	}, []string{"disposition"})

	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_anomalies_total",
		Help: "Total number of reconciliation anomalies",
	}, []string{"kind"})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment initiation attempts",
	})

	PaymentInitiationFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_initiation_failed_total",
		Help: "Total number of orders whose payment initiation failed",
	})

	PaymentInitiationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_initiation_latency_seconds",
		Help:    "Latency of payment initiation including retries",
		Buckets: prometheus.DefBuckets,
	})

	TimeoutsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_timeouts_fired_total",
		Help: "Total number of timeout checks delivered to the reconciler",
	})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Total number of customer notifications that could not be delivered",
	})

	CorrelationPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_entries_pruned_total",
		Help: "Total number of correlation index entries pruned",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
