package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartItemsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_items_added_total",
		Help: "Total number of successful add-item operations",
	})

	CartOperationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_operations_failed_total",
		Help: "Total number of failed cart operations",
	}, []string{"operation", "kind"})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_checkouts_total",
		Help: "Total number of checkout attempts by outcome",
	}, []string{"outcome"})

	CartsAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_abandoned_total",
		Help: "Total number of carts abandoned by the reaper",
	})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	TicketsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftersales_tickets_opened_total",
		Help: "Total number of after-sales tickets opened",
	}, []string{"type"})

	TicketTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftersales_ticket_transitions_total",
		Help: "Total number of ticket transitions by action and outcome",
	}, []string{"action", "outcome"})

	PolicyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_policy_violations_total",
		Help: "Total number of refund decisions rejected by policy",
	}, []string{"type"})

	RefundRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_requests_total",
		Help: "Total number of refund-execution requests by status",
	}, []string{"status"})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Total number of consumed events by type and outcome",
	}, []string{"type", "outcome"})

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
