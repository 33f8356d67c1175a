package reminders

import (
	"context"
	"fmt"
	"math"
	"net/mail"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/domain"
	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

// Enqueuer expands one detected escalation into queue items: the employee
// always, their supervisor from level 3 and their senior manager at
// level 4. Employee messages are rendered here so the queued item shows
// exactly what will be sent; aggregate messages are rendered at send time.
type Enqueuer struct {
	cfg       Config
	queue     QueueRepository
	directory directory.Repository
	renderer  *Renderer
}

func NewEnqueuer(cfg Config, queue QueueRepository, dir directory.Repository, renderer *Renderer) *Enqueuer {
	return &Enqueuer{cfg: cfg, queue: queue, directory: dir, renderer: renderer}
}

// Expand enqueues the items for one user, course and level. A missing or
// malformed management address drops that recipient with a warning; the
// remaining items are still queued. Returns the number of items enqueued.
func (q *Enqueuer) Expand(ctx context.Context, course *domain.Course, user domain.User, level int, daysDiff float64) (int, error) {
	logger := ctxlog.FromContext(ctx)

	subject, body, err := q.renderer.RenderEmployee(level, EmployeeMessage{
		FullName:    user.FullName(),
		CourseName:  course.FullName,
		CourseURL:   CourseURL(q.cfg.BaseURL, course.ID),
		SiteName:    q.cfg.SiteName,
		DaysOverdue: int(math.Abs(daysDiff)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to render employee message: %w", err)
	}

	items := []*QueueItem{{
		UserID:           user.ID,
		CourseID:         course.ID,
		Level:            level,
		RecipientType:    RecipientEmployee,
		RecipientAddress: user.Email,
		RenderedSubject:  subject,
		RenderedBody:     body,
	}}

	if level >= 3 {
		if item := q.managementItem(ctx, user, course.ID, level, domain.RoleSupervisor, RecipientSupervisor); item != nil {
			items = append(items, item)
		} else {
			logger.Warn("supervisor address missing or invalid, skipping recipient",
				"user_id", user.ID, "course_id", course.ID, "level", level)
		}
	}
	if level == 4 {
		if item := q.managementItem(ctx, user, course.ID, level, domain.RoleSeniorManager, RecipientSeniorManager); item != nil {
			items = append(items, item)
		} else {
			logger.Warn("senior manager address missing or invalid, skipping recipient",
				"user_id", user.ID, "course_id", course.ID, "level", level)
		}
	}

	if err := q.queue.EnqueueBatch(ctx, items); err != nil {
		return 0, fmt.Errorf("failed to enqueue reminder items: %w", err)
	}
	return len(items), nil
}

func (q *Enqueuer) managementItem(ctx context.Context, user domain.User, courseID int64, level int, role domain.RecipientRole, recipient RecipientType) *QueueItem {
	address, err := q.directory.ResolveAddress(ctx, user.ID, role)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to resolve management address",
			"user_id", user.ID, "role", role, "error", err)
		return nil
	}
	if !validAddress(address) {
		return nil
	}
	return &QueueItem{
		UserID:           user.ID,
		CourseID:         courseID,
		Level:            level,
		RecipientType:    recipient,
		RecipientAddress: address,
	}
}

func validAddress(address string) bool {
	if address == "" {
		return false
	}
	_, err := mail.ParseAddress(address)
	return err == nil
}
