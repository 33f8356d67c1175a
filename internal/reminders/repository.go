package reminders

import (
	"context"
	"time"

	"github.com/bissquit/training-garden/internal/domain"
)

// QueueRepository persists queue items and drives their state machine.
type QueueRepository interface {
	// EnqueueBatch inserts the items as pending in one transaction and
	// fills in their generated ids and timestamps.
	EnqueueBatch(ctx context.Context, items []*QueueItem) error

	Get(ctx context.Context, id int64) (*QueueItem, error)

	// FetchPending returns up to limit pending items within scope,
	// oldest first.
	FetchPending(ctx context.Context, scope Scope, limit int) ([]*QueueItem, error)

	// Claim moves a pending item to processing. Returns false without
	// error when the item was not pending, which happens when another
	// worker claimed it first or a sibling send already covered it.
	Claim(ctx context.Context, id int64) (bool, error)

	MarkSent(ctx context.Context, id int64, sentAt time.Time) error

	// MarkSiblingsSent marks every other pending or processing item with
	// the same recipient address, recipient type, course and level as sent
	// with the given timestamp. Returns the number of items updated.
	MarkSiblingsSent(ctx context.Context, item *QueueItem, sentAt time.Time) (int64, error)

	// MarkFailed moves an item to failed, increments its attempt counter
	// and stores the failure cause.
	MarkFailed(ctx context.Context, id int64, cause error) error

	// ResetStuck returns processing items older than the cutoff to
	// pending. Returns the number of items recovered.
	ResetStuck(ctx context.Context, cutoff time.Time) (int64, error)

	// ResetFailed moves a failed item back to pending and clears its
	// stored error. Returns false when the item was not failed.
	ResetFailed(ctx context.Context, id int64) (bool, error)

	CountPending(ctx context.Context, scope Scope) (int, error)
	CountSentSince(ctx context.Context, since time.Time) (int, error)
	List(ctx context.Context, filter QueueFilter, limit, offset int) ([]*QueueItem, error)
	Stats(ctx context.Context) (*QueueStats, error)

	// ListSiblingEmployees returns the employees behind the pending and
	// processing items that share the given item's dedup tuple, with each
	// employee's supervisor address when one is set.
	ListSiblingEmployees(ctx context.Context, item *QueueItem) ([]SiblingEmployee, error)
}

// SiblingEmployee is one employee aggregated into a supervisor or senior
// manager message.
type SiblingEmployee struct {
	UserID            int64
	Email             string
	FullName          string
	SupervisorAddress string
}

// SentLogRepository records handled escalation levels.
type SentLogRepository interface {
	Exists(ctx context.Context, userID, courseID int64, level int) (bool, error)

	// Append upserts the entry, refreshing sent_at on conflict.
	Append(ctx context.Context, entry *SentLogEntry) error
}

// DeadlineConfigRepository stores per-course deadline overrides.
type DeadlineConfigRepository interface {
	// Get returns the override for a course, or ErrDeadlineNotConfigured.
	Get(ctx context.Context, courseID int64) (*domain.DeadlineConfig, error)
	Set(ctx context.Context, courseID int64, days int) (*domain.DeadlineConfig, error)
	List(ctx context.Context) ([]domain.DeadlineConfig, error)
}

// Mailer delivers one rendered message.
type Mailer interface {
	Deliver(ctx context.Context, to string, cc []string, subject, body string) error
}

// InAppNotifier stores an in-application notification for a user.
type InAppNotifier interface {
	Notify(ctx context.Context, userID int64, subject, message string) error
}
