// Package directory exposes read access to courses, enrolments and user
// profile data used when evaluating and delivering reminders.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/training-garden/internal/domain"
)

var (
	ErrCourseNotFound = errors.New("course not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrNotEnrolled    = errors.New("user is not enrolled in course")
)

// Repository provides the organisational data reminders are computed from.
type Repository interface {
	// ListMandatoryCourses returns visible courses flagged as mandatory.
	ListMandatoryCourses(ctx context.Context) ([]domain.Course, error)

	GetCourse(ctx context.Context, id int64) (*domain.Course, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)

	// IncompleteUsers returns active users actively enrolled in the course
	// with no completion record, each with their earliest enrolment time.
	IncompleteUsers(ctx context.Context, courseID int64) ([]domain.OverdueUser, error)

	// FirstEnrolment returns the earliest active enrolment timestamp for
	// the user in the course. Returns ErrNotEnrolled when none exists.
	FirstEnrolment(ctx context.Context, userID, courseID int64) (time.Time, error)

	// ResolveAddress returns the management contact address stored in the
	// user's profile for the given role, or "" when the field is unset.
	ResolveAddress(ctx context.Context, userID int64, role domain.RecipientRole) (string, error)

	// CountIncompleteUsers returns the total number of incomplete
	// enrolments across all mandatory courses.
	CountIncompleteUsers(ctx context.Context) (int, error)
}
