package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts dispatched messages by outcome (sent, failed).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacampaign_messages_total",
			Help: "Campaign messages attempted, by outcome",
		},
		[]string{"outcome"},
	)

	// ProviderLatency observes messaging provider round-trips.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wacampaign_provider_request_seconds",
			Help:    "Messaging provider call latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// DispatchRuns counts dispatch loop invocations by how they ended.
	DispatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacampaign_dispatch_runs_total",
			Help: "Dispatch loop invocations, by result",
		},
		[]string{"result"},
	)

	// RequeuedMessages counts stuck rows returned to the queue by resume.
	RequeuedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wacampaign_requeued_messages_total",
			Help: "Messages stuck in sending that were requeued",
		},
	)

	// PairsCreated counts warming pool pairs created by the auto-pairer.
	PairsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wacampaign_warming_pairs_created_total",
			Help: "Warming pool pairs created",
		},
	)

	// DeliveryReceipts counts receipts by whether they matched a sent message.
	DeliveryReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacampaign_delivery_receipts_total",
			Help: "Delivery receipts processed, by result",
		},
		[]string{"result"},
	)

	SchedulerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacampaign_scheduler_jobs_total",
			Help: "Scheduler job runs, by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// Middleware records request counts and latencies, labelled by route template.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}

		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
		return err
	}
}
