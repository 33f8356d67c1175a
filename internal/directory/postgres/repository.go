// Package postgres implements the directory repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/domain"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) ListMandatoryCourses(ctx context.Context) ([]domain.Course, error) {
	query := `
		SELECT id, full_name, visible, mandatory, created_at, updated_at
		FROM courses
		WHERE visible = TRUE AND mandatory = TRUE
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandatory courses: %w", err)
	}
	defer rows.Close()

	var courses []domain.Course
	for rows.Next() {
		var c domain.Course
		if err := rows.Scan(&c.ID, &c.FullName, &c.Visible, &c.Mandatory, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

func (r *Repository) GetCourse(ctx context.Context, id int64) (*domain.Course, error) {
	query := `
		SELECT id, full_name, visible, mandatory, created_at, updated_at
		FROM courses
		WHERE id = $1`

	var c domain.Course
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.FullName, &c.Visible, &c.Mandatory, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, directory.ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return &c, nil
}

func (r *Repository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `
		SELECT id, email, first_name, last_name, active, created_at, updated_at
		FROM users
		WHERE id = $1`

	var u domain.User
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, directory.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *Repository) IncompleteUsers(ctx context.Context, courseID int64) ([]domain.OverdueUser, error) {
	query := `
		SELECT u.id, u.email, u.first_name, u.last_name, u.active, u.created_at, u.updated_at,
		       MIN(e.enrolled_at) AS enrolled_at
		FROM users u
		JOIN enrolments e ON e.user_id = u.id
		WHERE e.course_id = $1
		  AND e.active = TRUE
		  AND u.active = TRUE
		  AND NOT EXISTS (
		      SELECT 1 FROM course_completions cc
		      WHERE cc.user_id = u.id AND cc.course_id = e.course_id
		  )
		GROUP BY u.id
		ORDER BY u.id`

	rows, err := r.pool.Query(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete users: %w", err)
	}
	defer rows.Close()

	var users []domain.OverdueUser
	for rows.Next() {
		var u domain.OverdueUser
		err := rows.Scan(
			&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Active,
			&u.CreatedAt, &u.UpdatedAt, &u.EnrolledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incomplete user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *Repository) FirstEnrolment(ctx context.Context, userID, courseID int64) (time.Time, error) {
	query := `
		SELECT MIN(enrolled_at)
		FROM enrolments
		WHERE user_id = $1 AND course_id = $2 AND active = TRUE`

	var enrolledAt *time.Time
	err := r.pool.QueryRow(ctx, query, userID, courseID).Scan(&enrolledAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get first enrolment: %w", err)
	}
	if enrolledAt == nil {
		return time.Time{}, directory.ErrNotEnrolled
	}
	return *enrolledAt, nil
}

func (r *Repository) ResolveAddress(ctx context.Context, userID int64, role domain.RecipientRole) (string, error) {
	query := `
		SELECT value
		FROM user_profile_fields
		WHERE user_id = $1 AND name = $2`

	var value string
	err := r.pool.QueryRow(ctx, query, userID, profileFieldName(role)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve %s address: %w", role, err)
	}
	return value, nil
}

func (r *Repository) CountIncompleteUsers(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM enrolments e
		JOIN users u ON u.id = e.user_id
		JOIN courses c ON c.id = e.course_id
		WHERE c.visible = TRUE AND c.mandatory = TRUE
		  AND e.active = TRUE AND u.active = TRUE
		  AND NOT EXISTS (
		      SELECT 1 FROM course_completions cc
		      WHERE cc.user_id = e.user_id AND cc.course_id = e.course_id
		  )`

	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count incomplete users: %w", err)
	}
	return count, nil
}

func profileFieldName(role domain.RecipientRole) string {
	switch role {
	case domain.RoleSeniorManager:
		return "senior_manager_email"
	default:
		return "supervisor_email"
	}
}
