package runner

import (
	"timeseries-staging/internal/staging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_messages_claimed_total",
		Help: "Total number of queue messages claimed by this worker",
	}, []string{"queue"})

	messagesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_messages_completed_total",
		Help: "Total number of queue messages finished, by outcome",
	}, []string{"queue", "outcome"})

	messageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_message_failures_total",
		Help: "Handler failures by failure kind and reason",
	}, []string{"queue", "kind", "reason"})

	messagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_messages_routed_total",
		Help: "Task run completion messages by routing outcome",
	}, []string{"outcome"})

	claimDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staging_claim_duration_seconds",
		Help:    "Time taken to claim a message from the DB",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staging_handle_duration_seconds",
		Help:    "Time taken by the queue handler for one message",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"queue"})

	queueWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staging_queue_wait_duration_seconds",
		Help:    "Time a message spent in the queue before it was claimed",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"queue"})

	recordsStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staging_records_staged_total",
		Help: "Timeseries records committed by routed messages",
	})

	transactionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_transactions_total",
		Help: "Database transactions by outcome and failure kind",
	}, []string{"outcome", "kind", "reason"})

	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staging_leases_reclaimed_total",
		Help: "Expired message leases returned to the queue",
	})
)

// ObserveTransaction counts commits and rollbacks. Register it with
// staging.Coordinator.OnFinish.
func ObserveTransaction(outcome string, err error) {
	if err == nil {
		transactionsFinished.WithLabelValues(outcome, "", "").Inc()
		return
	}
	transactionsFinished.WithLabelValues(outcome, staging.KindOf(err).String(), staging.Reason(err)).Inc()
}
