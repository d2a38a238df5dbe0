package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	FanoutRuns          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fanout_runs_total", Help: "Fan-out invocations by result (completed, skipped, failed)"}, []string{"result"})
	FanoutRollbackFails = prometheus.NewCounter(prometheus.CounterOpts{Name: "fanout_rollback_failures_total", Help: "PROCESSING->SCHEDULED rollbacks that could not be written"})
	ChunksPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fanout_chunks_published_total", Help: "Chunk messages published to the delivery queue"})
	RecipientsResolved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fanout_recipients_resolved_total", Help: "Recipients placed into chunks"})
	SchedulesClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_claims_total", Help: "Due schedules claimed by the dispatcher"})
	FanoutRecovered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fanout_recovered_total", Help: "Notifications stuck in PROCESSING returned to SCHEDULED"})

	DeliveryOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "deliveries_total", Help: "Per-recipient send outcomes"}, []string{"outcome"})
	ProviderGroupFails = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_provider_group_failures_total", Help: "Bulk provider calls that failed as a whole"})
	WorkerMessages     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worker_messages_total", Help: "Chunk messages by disposition (acked, dropped, retried)"}, []string{"disposition"})
	SweeperReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweeper_reclaimed_total", Help: "Stale ledger rows republished by the sweeper"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_queue_depth", Help: "Ready chunk messages"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_inflight", Help: "Chunk messages currently being handled"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Admin requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			FanoutRuns,
			FanoutRollbackFails,
			ChunksPublished,
			RecipientsResolved,
			SchedulesClaimed,
			FanoutRecovered,
			DeliveryOutcomes,
			ProviderGroupFails,
			WorkerMessages,
			SweeperReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
