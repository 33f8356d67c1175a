// Package reminders implements escalation detection and the deduplicated
// notification queue for overdue mandatory courses.
package reminders

import "time"

// QueueStatus is the lifecycle state of a queue item.
// Valid transitions: pending -> processing -> sent|failed,
// failed -> pending (operator retry), processing -> pending (stale recovery).
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
)

// RecipientType identifies who a queue item addresses.
type RecipientType string

const (
	RecipientEmployee      RecipientType = "employee"
	RecipientSupervisor    RecipientType = "supervisor"
	RecipientSeniorManager RecipientType = "senior_manager"
)

// QueueItem is one deliverable reminder. Employee items carry the message
// pre-rendered at enqueue time; supervisor and senior manager items are
// rendered at send time from their live sibling rows.
type QueueItem struct {
	ID               int64         `json:"id"`
	UserID           int64         `json:"user_id"`
	CourseID         int64         `json:"course_id"`
	Level            int           `json:"level"`
	RecipientType    RecipientType `json:"recipient_type"`
	RecipientAddress string        `json:"recipient_address"`
	Status           QueueStatus   `json:"status"`
	Attempts         int           `json:"attempts"`
	RenderedSubject  string        `json:"rendered_subject,omitempty"`
	RenderedBody     string        `json:"rendered_body,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ModifiedAt       time.Time     `json:"modified_at"`
	SentAt           *time.Time    `json:"sent_at,omitempty"`
}

// Stale reports whether a processing item has been held past staleAfter
// and should be returned to pending by the recovery pass.
func (q *QueueItem) Stale(now time.Time, staleAfter time.Duration) bool {
	return q.Status == StatusProcessing && now.Sub(q.ModifiedAt) > staleAfter
}

// SentLogEntry records that a given escalation level was handled for a
// user and course. Its existence is the sole idempotency guard against
// re-queueing the same level.
type SentLogEntry struct {
	UserID     int64
	CourseID   int64
	Level      int
	EnrolledAt time.Time
	DeadlineAt time.Time
	SentAt     time.Time
}

// Scope restricts a queue drain to specific item ids or a recipient type.
// A zero Scope means the whole pending queue.
type Scope struct {
	IDs           []int64
	RecipientType RecipientType
}

// Targeted reports whether the scope names explicit item ids. Targeted
// drains process exactly those items and never chain into further batches.
func (s Scope) Targeted() bool {
	return len(s.IDs) > 0
}

// QueueStats is a per-status item count snapshot.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// QueueFilter narrows queue listings. Zero values mean no restriction.
type QueueFilter struct {
	Status        QueueStatus
	RecipientType RecipientType
	Level         int
	CourseID      int64
}
