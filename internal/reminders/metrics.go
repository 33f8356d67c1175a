package reminders

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

var (
	remindersSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "sent_total",
			Help:      "Total reminder deliveries by recipient type and outcome",
		},
		[]string{"recipient_type", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "send_duration_seconds",
			Help:      "Time taken to deliver one reminder",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"recipient_type"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "queue_size",
			Help:      "Current number of queue items by status",
		},
		[]string{"status"},
	)

	stuckRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "stuck_recovered_total",
			Help:      "Total processing items returned to pending by stale recovery",
		},
	)

	evaluationRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "evaluation_runs_total",
			Help:      "Total escalation evaluation runs",
		},
	)

	evaluationQueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "traininggarden",
			Subsystem: "reminders",
			Name:      "evaluation_levels_queued_total",
			Help:      "Total escalation levels queued by evaluation runs",
		},
	)
)

func recordSend(recipientType RecipientType, outcome string, duration time.Duration) {
	remindersSentTotal.WithLabelValues(string(recipientType), outcome).Inc()
	sendDuration.WithLabelValues(string(recipientType)).Observe(duration.Seconds())
}

// RecordQueueStats updates the queue size gauges. Called periodically by
// the stats collector.
func RecordQueueStats(ctx context.Context, repo QueueRepository) {
	stats, err := repo.Stats(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to collect queue stats", "error", err)
		return
	}
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
}
