package reminders

import "errors"

var (
	// ErrItemNotFound is returned when a queue item id does not exist.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrItemNotPending is returned when a send is requested for an item
	// that is no longer pending (already claimed, sent or failed).
	ErrItemNotPending = errors.New("queue item is not pending")

	// ErrItemNotFailed is returned when a retry is requested for an item
	// that is not in the failed state.
	ErrItemNotFailed = errors.New("queue item is not failed")

	// ErrDeadlineNotConfigured is returned when a course has no explicit
	// deadline override.
	ErrDeadlineNotConfigured = errors.New("course deadline not configured")

	// ErrTemplateNotFound is returned when no message template exists for
	// a recipient type and level combination.
	ErrTemplateNotFound = errors.New("message template not found")
)
