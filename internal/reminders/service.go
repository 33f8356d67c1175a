package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/domain"
	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

// Service exposes the operator-facing operations: previewing and sending
// queue items, retrying failures, triggering evaluation runs and managing
// course deadlines.
type Service struct {
	cfg       Config
	queue     QueueRepository
	deadlines DeadlineConfigRepository
	directory directory.Repository
	courier   *Courier
	worker    *Worker
	evaluator *Evaluator
}

func NewService(
	cfg Config,
	queue QueueRepository,
	deadlines DeadlineConfigRepository,
	dir directory.Repository,
	courier *Courier,
	worker *Worker,
	evaluator *Evaluator,
) *Service {
	return &Service{
		cfg:       cfg,
		queue:     queue,
		deadlines: deadlines,
		directory: dir,
		courier:   courier,
		worker:    worker,
		evaluator: evaluator,
	}
}

// Evaluate runs one escalation evaluation pass and nudges the worker to
// drain whatever it queued.
func (s *Service) Evaluate(ctx context.Context) (*RunSummary, error) {
	summary, err := s.evaluator.EvaluateEscalations(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	if summary.Queued > 0 {
		s.worker.Submit(Scope{})
	}
	return summary, nil
}

// Drain synchronously drains the queue within the given scope.
func (s *Service) Drain(ctx context.Context, scope Scope) (*BatchSummary, error) {
	return s.worker.DrainQueue(ctx, scope)
}

// Preview returns the content a queue item would be delivered with.
func (s *Service) Preview(ctx context.Context, id int64) (string, string, error) {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return s.courier.Preview(ctx, item)
}

// SendResult reports one synchronous send. Failed sends carry the stored
// delivery error and attempt count so the operator can decide whether to
// retry without fetching the item again.
type SendResult struct {
	ID       int64   `json:"id"`
	Outcome  Outcome `json:"outcome"`
	Attempts int     `json:"attempts,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SendItem delivers a single queue item immediately. The item must be
// pending; anything else returns ErrItemNotPending.
func (s *Service) SendItem(ctx context.Context, id int64) (*SendResult, error) {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, fmt.Errorf("%w: item %d is %s", ErrItemNotPending, id, item.Status)
	}

	outcome := s.courier.Process(ctx, item)
	result := &SendResult{ID: id, Outcome: outcome}
	if outcome == OutcomeFailed {
		if failed, err := s.queue.Get(ctx, id); err == nil {
			result.Attempts = failed.Attempts
			result.Error = failed.ErrorMessage
		} else {
			ctxlog.FromContext(ctx).Warn("failed to load item after failed send",
				"item_id", id, "error", err)
		}
	}
	return result, nil
}

// SendSelectedResult reports a selection send. When the selection exceeds
// the synchronous limit the work is handed to the worker and only Queued
// is set.
type SendSelectedResult struct {
	Queued  bool `json:"queued"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
}

// SendSelected delivers the chosen items. Small selections run in the
// request so the operator sees immediate results; larger ones go through
// the worker as a targeted drain.
func (s *Service) SendSelected(ctx context.Context, ids []int64) (*SendSelectedResult, error) {
	if len(ids) == 0 {
		return &SendSelectedResult{}, nil
	}

	scope := Scope{IDs: ids}
	if len(ids) > s.cfg.SyncSendLimit {
		s.worker.Submit(scope)
		ctxlog.FromContext(ctx).Info("selection handed to worker", "count", len(ids))
		return &SendSelectedResult{Queued: true}, nil
	}

	summary, err := s.worker.DrainQueue(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &SendSelectedResult{
		Sent:    summary.Sent,
		Failed:  summary.Failed,
		Skipped: summary.Skipped,
	}, nil
}

// SendAll hands the whole pending queue, optionally narrowed to one
// recipient type, to the worker. Returns the number of pending items at
// the time of the request.
func (s *Service) SendAll(ctx context.Context, recipientType RecipientType) (int, error) {
	scope := Scope{RecipientType: recipientType}
	pending, err := s.queue.CountPending(ctx, scope)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		s.worker.Submit(scope)
	}
	return pending, nil
}

// RetryFailed returns a failed item to pending and nudges the worker.
func (s *Service) RetryFailed(ctx context.Context, id int64) error {
	reset, err := s.queue.ResetFailed(ctx, id)
	if err != nil {
		return err
	}
	if !reset {
		item, err := s.queue.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: item %d is %s", ErrItemNotFailed, id, item.Status)
	}
	s.worker.Submit(Scope{IDs: []int64{id}})
	return nil
}

// GetItem returns one queue item.
func (s *Service) GetItem(ctx context.Context, id int64) (*QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// ListQueue returns queue items matching the filter, newest first.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter, limit, offset int) ([]*QueueItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.queue.List(ctx, filter, limit, offset)
}

// QueueStats returns the per-status item counts.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	return s.queue.Stats(ctx)
}

// DashboardSummary is the compliance overview shown to operators.
type DashboardSummary struct {
	MandatoryCourses int        `json:"mandatory_courses"`
	IncompleteUsers  int        `json:"incomplete_users"`
	SentToday        int        `json:"sent_today"`
	Queue            QueueStats `json:"queue"`
}

// Dashboard assembles the operator overview.
func (s *Service) Dashboard(ctx context.Context) (*DashboardSummary, error) {
	courses, err := s.directory.ListMandatoryCourses(ctx)
	if err != nil {
		return nil, err
	}
	incomplete, err := s.directory.CountIncompleteUsers(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	// "Today" starts at local midnight, not the UTC day boundary.
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sentToday, err := s.queue.CountSentSince(ctx, midnight)
	if err != nil {
		return nil, err
	}

	return &DashboardSummary{
		MandatoryCourses: len(courses),
		IncompleteUsers:  incomplete,
		SentToday:        sentToday,
		Queue:            *stats,
	}, nil
}

// GetDeadline returns the effective deadline for a course together with
// whether it comes from an explicit override.
func (s *Service) GetDeadline(ctx context.Context, courseID int64) (*domain.DeadlineConfig, bool, error) {
	if _, err := s.directory.GetCourse(ctx, courseID); err != nil {
		return nil, false, err
	}

	cfg, err := s.deadlines.Get(ctx, courseID)
	if err != nil {
		if errors.Is(err, ErrDeadlineNotConfigured) {
			return &domain.DeadlineConfig{
				CourseID:     courseID,
				DeadlineDays: s.cfg.DefaultDeadlineDays,
			}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// SetDeadline stores a per-course deadline override.
func (s *Service) SetDeadline(ctx context.Context, courseID int64, days int) (*domain.DeadlineConfig, error) {
	if _, err := s.directory.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	return s.deadlines.Set(ctx, courseID, days)
}

// ListDeadlines returns all explicit deadline overrides.
func (s *Service) ListDeadlines(ctx context.Context) ([]domain.DeadlineConfig, error) {
	return s.deadlines.List(ctx)
}
