package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

// WorkerConfig controls the background queue worker.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// BatchSummary reports one drain pass.
type BatchSummary struct {
	Sent      int   `json:"sent"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Recovered int64 `json:"recovered"`
}

// Worker drains the reminder queue in batches on a timer and on demand.
// Unscoped drains chain through the backlog until nothing is pending;
// drains targeted at explicit item ids process exactly those items.
type Worker struct {
	config  WorkerConfig
	queue   QueueRepository
	courier *Courier
	now     func() time.Time

	trigger chan Scope
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWorker(config WorkerConfig, queue QueueRepository, courier *Courier) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Minute
	}
	return &Worker{
		config:  config,
		queue:   queue,
		courier: courier,
		now:     time.Now,
		trigger: make(chan Scope, 16),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	ctxlog.FromContext(ctx).Info("queue worker started",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval.String(),
		"stale_after", w.config.StaleAfter.String(),
	)
}

// Stop signals the worker to finish its current batch and waits for it.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Submit asks the worker to drain the given scope soon. Non-blocking: if
// the trigger buffer is full the request is dropped because a drain is
// already queued up and will pick the items anyway.
func (w *Worker) Submit(scope Scope) {
	select {
	case w.trigger <- scope:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	logger := ctxlog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.DrainQueue(ctx, Scope{}); err != nil {
				logger.Error("queue drain failed", "error", err)
			}
		case scope := <-w.trigger:
			if _, err := w.DrainQueue(ctx, scope); err != nil {
				logger.Error("triggered queue drain failed", "error", err)
			}
		}
	}
}

// DrainQueue recovers stale processing items, then fetches and processes
// pending batches oldest first. Unrestricted and recipient-type scopes
// keep fetching until the queue is empty; targeted id scopes stop after
// one pass so an operator's selection is never exceeded.
func (w *Worker) DrainQueue(ctx context.Context, scope Scope) (*BatchSummary, error) {
	logger := ctxlog.FromContext(ctx)
	summary := &BatchSummary{}

	cutoff := w.now().Add(-w.config.StaleAfter)
	recovered, err := w.queue.ResetStuck(ctx, cutoff)
	if err != nil {
		logger.Error("failed to recover stuck items", "error", err)
	} else if recovered > 0 {
		summary.Recovered = recovered
		stuckRecoveredTotal.Add(float64(recovered))
		logger.Warn("recovered stuck processing items", "count", recovered)
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		items, err := w.queue.FetchPending(ctx, scope, w.config.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch pending items: %w", err)
		}
		if len(items) == 0 {
			break
		}

		moved := 0
		for _, item := range items {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-w.stopCh:
				return summary, nil
			default:
			}

			switch w.courier.Process(ctx, item) {
			case OutcomeSent:
				summary.Sent++
				moved++
			case OutcomeFailed:
				summary.Failed++
				moved++
			case OutcomeSkipped:
				summary.Skipped++
			}
		}

		if scope.Targeted() {
			break
		}
		// A batch where nothing left pending means claims are erroring;
		// stop chaining instead of spinning on the same rows.
		if moved == 0 {
			break
		}
	}

	if summary.Sent+summary.Failed+summary.Skipped > 0 || summary.Recovered > 0 {
		logger.Info("queue drain complete",
			"sent", summary.Sent,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"recovered", summary.Recovered,
		)
	}
	return summary, nil
}
