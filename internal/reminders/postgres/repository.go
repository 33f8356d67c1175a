// Package postgres implements the reminder queue, sent log and deadline
// stores on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/training-garden/internal/domain"
	"github.com/bissquit/training-garden/internal/reminders"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const queueColumns = `id, user_id, course_id, level, recipient_type, recipient_address,
	status, attempts, COALESCE(rendered_subject, ''), COALESCE(rendered_body, ''),
	COALESCE(error_message, ''), created_at, modified_at, sent_at`

func scanQueueItem(row pgx.Row) (*reminders.QueueItem, error) {
	var item reminders.QueueItem
	err := row.Scan(
		&item.ID, &item.UserID, &item.CourseID, &item.Level,
		&item.RecipientType, &item.RecipientAddress,
		&item.Status, &item.Attempts,
		&item.RenderedSubject, &item.RenderedBody, &item.ErrorMessage,
		&item.CreatedAt, &item.ModifiedAt, &item.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) EnqueueBatch(ctx context.Context, items []*reminders.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO reminder_queue
			(user_id, course_id, level, recipient_type, recipient_address,
			 rendered_subject, rendered_body)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		RETURNING id, status, created_at, modified_at`

	for _, item := range items {
		err := tx.QueryRow(ctx, query,
			item.UserID, item.CourseID, item.Level,
			item.RecipientType, item.RecipientAddress,
			item.RenderedSubject, item.RenderedBody,
		).Scan(&item.ID, &item.Status, &item.CreatedAt, &item.ModifiedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue reminder item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*reminders.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM reminder_queue WHERE id = $1`

	item, err := scanQueueItem(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reminders.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

func (r *Repository) FetchPending(ctx context.Context, scope reminders.Scope, limit int) ([]*reminders.QueueItem, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + queueColumns + ` FROM reminder_queue WHERE status = 'pending'`)

	args := []any{}
	if scope.Targeted() {
		args = append(args, scope.IDs)
		sb.WriteString(` AND id = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	if scope.RecipientType != "" {
		args = append(args, scope.RecipientType)
		sb.WriteString(` AND recipient_type = $` + strconv.Itoa(len(args)))
	}
	args = append(args, limit)
	sb.WriteString(` ORDER BY created_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending items: %w", err)
	}
	defer rows.Close()

	var items []*reminders.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Claim is the compare-and-set that makes concurrent senders safe: only
// one caller can move a pending item to processing.
func (r *Repository) Claim(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE reminder_queue
		SET status = 'processing', modified_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	query := `
		UPDATE reminder_queue
		SET status = 'sent', sent_at = $2, modified_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, sentAt); err != nil {
		return fmt.Errorf("failed to mark queue item sent: %w", err)
	}
	return nil
}

func (r *Repository) MarkSiblingsSent(ctx context.Context, item *reminders.QueueItem, sentAt time.Time) (int64, error) {
	query := `
		UPDATE reminder_queue
		SET status = 'sent', sent_at = $5, modified_at = NOW()
		WHERE recipient_address = $1
		  AND recipient_type = $2
		  AND course_id = $3
		  AND level = $4
		  AND status IN ('pending', 'processing')
		  AND id <> $6`

	tag, err := r.pool.Exec(ctx, query,
		item.RecipientAddress, item.RecipientType, item.CourseID, item.Level,
		sentAt, item.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sibling items sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, cause error) error {
	query := `
		UPDATE reminder_queue
		SET status = 'failed', attempts = attempts + 1,
		    error_message = LEFT($2, 255), modified_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}
	return nil
}

func (r *Repository) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE reminder_queue
		SET status = 'pending', modified_at = NOW()
		WHERE status = 'processing' AND modified_at < $1`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ResetFailed(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE reminder_queue
		SET status = 'pending', error_message = NULL, modified_at = NOW()
		WHERE id = $1 AND status = 'failed'`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset failed item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) CountPending(ctx context.Context, scope reminders.Scope) (int, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT COUNT(*) FROM reminder_queue WHERE status = 'pending'`)

	args := []any{}
	if scope.Targeted() {
		args = append(args, scope.IDs)
		sb.WriteString(` AND id = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	if scope.RecipientType != "" {
		args = append(args, scope.RecipientType)
		sb.WriteString(` AND recipient_type = $` + strconv.Itoa(len(args)))
	}

	var count int
	if err := r.pool.QueryRow(ctx, sb.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

func (r *Repository) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM reminder_queue WHERE status = 'sent' AND sent_at >= $1`

	var count int
	if err := r.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sent items: %w", err)
	}
	return count, nil
}

func (r *Repository) List(ctx context.Context, filter reminders.QueueFilter, limit, offset int) ([]*reminders.QueueItem, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + queueColumns + ` FROM reminder_queue WHERE 1=1`)

	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		sb.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	if filter.RecipientType != "" {
		args = append(args, filter.RecipientType)
		sb.WriteString(` AND recipient_type = $` + strconv.Itoa(len(args)))
	}
	if filter.Level != 0 {
		args = append(args, filter.Level)
		sb.WriteString(` AND level = $` + strconv.Itoa(len(args)))
	}
	if filter.CourseID != 0 {
		args = append(args, filter.CourseID)
		sb.WriteString(` AND course_id = $` + strconv.Itoa(len(args)))
	}
	args = append(args, limit)
	sb.WriteString(` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)))
	args = append(args, offset)
	sb.WriteString(` OFFSET $` + strconv.Itoa(len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*reminders.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) Stats(ctx context.Context) (*reminders.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM reminder_queue GROUP BY status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	defer rows.Close()

	stats := &reminders.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch reminders.QueueStatus(status) {
		case reminders.StatusPending:
			stats.Pending = count
		case reminders.StatusProcessing:
			stats.Processing = count
		case reminders.StatusSent:
			stats.Sent = count
		case reminders.StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// ListSiblingEmployees resolves the employees behind the live items that
// share the given item's dedup tuple, including the item itself.
func (r *Repository) ListSiblingEmployees(ctx context.Context, item *reminders.QueueItem) ([]reminders.SiblingEmployee, error) {
	query := `
		SELECT DISTINCT u.id, u.email, TRIM(u.first_name || ' ' || u.last_name),
		       COALESCE(pf.value, '')
		FROM reminder_queue q
		JOIN users u ON u.id = q.user_id
		LEFT JOIN user_profile_fields pf
		       ON pf.user_id = u.id AND pf.name = 'supervisor_email'
		WHERE q.recipient_address = $1
		  AND q.recipient_type = $2
		  AND q.course_id = $3
		  AND q.level = $4
		  AND q.status IN ('pending', 'processing')
		ORDER BY u.id`

	rows, err := r.pool.Query(ctx, query,
		item.RecipientAddress, item.RecipientType, item.CourseID, item.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling employees: %w", err)
	}
	defer rows.Close()

	var employees []reminders.SiblingEmployee
	for rows.Next() {
		var e reminders.SiblingEmployee
		if err := rows.Scan(&e.UserID, &e.Email, &e.FullName, &e.SupervisorAddress); err != nil {
			return nil, fmt.Errorf("failed to scan sibling employee: %w", err)
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

func (r *Repository) Exists(ctx context.Context, userID, courseID int64, level int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM reminder_sent_log
			WHERE user_id = $1 AND course_id = $2 AND level = $3
		)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, courseID, level).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sent log: %w", err)
	}
	return exists, nil
}

func (r *Repository) Append(ctx context.Context, entry *reminders.SentLogEntry) error {
	query := `
		INSERT INTO reminder_sent_log (user_id, course_id, level, enrolled_at, deadline_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, course_id, level)
		DO UPDATE SET sent_at = EXCLUDED.sent_at`

	_, err := r.pool.Exec(ctx, query,
		entry.UserID, entry.CourseID, entry.Level,
		entry.EnrolledAt, entry.DeadlineAt, entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sent log entry: %w", err)
	}
	return nil
}

// DeadlineRepository stores per-course deadline overrides. Kept separate
// from Repository so both can satisfy their interfaces' Get methods.
type DeadlineRepository struct {
	pool *pgxpool.Pool
}

func NewDeadlineRepository(pool *pgxpool.Pool) *DeadlineRepository {
	return &DeadlineRepository{pool: pool}
}

func (r *DeadlineRepository) Get(ctx context.Context, courseID int64) (*domain.DeadlineConfig, error) {
	query := `
		SELECT course_id, deadline_days, created_at, updated_at
		FROM course_deadlines
		WHERE course_id = $1`

	var cfg domain.DeadlineConfig
	err := r.pool.QueryRow(ctx, query, courseID).Scan(
		&cfg.CourseID, &cfg.DeadlineDays, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reminders.ErrDeadlineNotConfigured
		}
		return nil, fmt.Errorf("failed to get course deadline: %w", err)
	}
	return &cfg, nil
}

func (r *DeadlineRepository) Set(ctx context.Context, courseID int64, days int) (*domain.DeadlineConfig, error) {
	query := `
		INSERT INTO course_deadlines (course_id, deadline_days)
		VALUES ($1, $2)
		ON CONFLICT (course_id)
		DO UPDATE SET deadline_days = EXCLUDED.deadline_days, updated_at = NOW()
		RETURNING course_id, deadline_days, created_at, updated_at`

	var cfg domain.DeadlineConfig
	err := r.pool.QueryRow(ctx, query, courseID, days).Scan(
		&cfg.CourseID, &cfg.DeadlineDays, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set course deadline: %w", err)
	}
	return &cfg, nil
}

func (r *DeadlineRepository) List(ctx context.Context) ([]domain.DeadlineConfig, error) {
	query := `
		SELECT course_id, deadline_days, created_at, updated_at
		FROM course_deadlines
		ORDER BY course_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list course deadlines: %w", err)
	}
	defer rows.Close()

	var configs []domain.DeadlineConfig
	for rows.Next() {
		var cfg domain.DeadlineConfig
		if err := rows.Scan(&cfg.CourseID, &cfg.DeadlineDays, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan course deadline: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (r *Repository) Notify(ctx context.Context, userID int64, subject, message string) error {
	query := `
		INSERT INTO in_app_notifications (user_id, subject, message)
		VALUES ($1, $2, $3)`

	if _, err := r.pool.Exec(ctx, query, userID, subject, message); err != nil {
		return fmt.Errorf("failed to store in-app notification: %w", err)
	}
	return nil
}
