package reminders

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

// Outcome is the result of processing one queue item.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Courier turns a claimed queue item into a delivered message: it
// assembles the content, hands it to the mailer and completes the state
// transition, including sibling deduplication for aggregate recipients.
type Courier struct {
	cfg       Config
	queue     QueueRepository
	sentLog   SentLogRepository
	deadlines DeadlineConfigRepository
	directory directory.Repository
	renderer  *Renderer
	mailer    Mailer
	inapp     InAppNotifier
	now       func() time.Time
}

func NewCourier(
	cfg Config,
	queue QueueRepository,
	sentLog SentLogRepository,
	deadlines DeadlineConfigRepository,
	dir directory.Repository,
	renderer *Renderer,
	mailer Mailer,
	inapp InAppNotifier,
) *Courier {
	return &Courier{
		cfg:       cfg,
		queue:     queue,
		sentLog:   sentLog,
		deadlines: deadlines,
		directory: dir,
		renderer:  renderer,
		mailer:    mailer,
		inapp:     inapp,
		now:       time.Now,
	}
}

type message struct {
	To      string
	CC      []string
	Subject string
	Body    string
}

// Process claims the item and drives it to sent or failed. A claim that
// finds the item no longer pending is reported as skipped, which covers
// both races with other senders and items absorbed by a sibling send.
func (c *Courier) Process(ctx context.Context, item *QueueItem) Outcome {
	logger := ctxlog.FromContext(ctx).With(
		"item_id", item.ID,
		"recipient_type", item.RecipientType,
		"level", item.Level,
	)

	claimed, err := c.queue.Claim(ctx, item.ID)
	if err != nil {
		logger.Error("failed to claim queue item", "error", err)
		return OutcomeSkipped
	}
	if !claimed {
		logger.Debug("queue item no longer pending, skipping")
		recordSend(item.RecipientType, string(OutcomeSkipped), 0)
		return OutcomeSkipped
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
	defer cancel()

	msg, err := c.assemble(dctx, item)
	if err == nil {
		err = c.mailer.Deliver(dctx, msg.To, msg.CC, msg.Subject, msg.Body)
	}
	duration := time.Since(start)

	if err != nil {
		if markErr := c.queue.MarkFailed(ctx, item.ID, err); markErr != nil {
			logger.Error("failed to mark queue item failed", "error", markErr)
		}
		recordSend(item.RecipientType, string(OutcomeFailed), duration)
		logger.Error("reminder delivery failed", "error", err, "duration_ms", duration.Milliseconds())
		return OutcomeFailed
	}

	c.complete(ctx, item)
	recordSend(item.RecipientType, string(OutcomeSent), duration)
	logger.Info("reminder delivered",
		"to", msg.To,
		"cc_count", len(msg.CC),
		"duration_ms", duration.Milliseconds(),
	)
	return OutcomeSent
}

// Preview returns the subject and body the item would be sent with,
// without touching its state.
func (c *Courier) Preview(ctx context.Context, item *QueueItem) (string, string, error) {
	msg, err := c.assemble(ctx, item)
	if err != nil {
		return "", "", err
	}
	return msg.Subject, msg.Body, nil
}

func (c *Courier) assemble(ctx context.Context, item *QueueItem) (*message, error) {
	switch item.RecipientType {
	case RecipientEmployee:
		return c.assembleEmployee(ctx, item)
	case RecipientSupervisor:
		return c.assembleSupervisor(ctx, item)
	case RecipientSeniorManager:
		return c.assembleSeniorManager(ctx, item)
	default:
		return nil, fmt.Errorf("unknown recipient type %q", item.RecipientType)
	}
}

// assembleEmployee prefers the content rendered at enqueue time and
// recomputes it only when the stored copy is missing.
func (c *Courier) assembleEmployee(ctx context.Context, item *QueueItem) (*message, error) {
	if item.RenderedSubject != "" && item.RenderedBody != "" {
		return &message{
			To:      item.RecipientAddress,
			Subject: item.RenderedSubject,
			Body:    item.RenderedBody,
		}, nil
	}

	user, err := c.directory.GetUser(ctx, item.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", item.UserID, err)
	}
	course, err := c.directory.GetCourse(ctx, item.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load course %d: %w", item.CourseID, err)
	}

	enrolledAt, err := c.directory.FirstEnrolment(ctx, item.UserID, item.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrolment: %w", err)
	}
	days := resolveDeadlineDays(ctx, c.deadlines, item.CourseID, c.cfg.DefaultDeadlineDays)
	deadlineAt := enrolledAt.Add(time.Duration(days) * 24 * time.Hour)
	daysDiff := c.now().Sub(deadlineAt).Seconds() / secondsPerDay

	subject, body, err := c.renderer.RenderEmployee(item.Level, EmployeeMessage{
		FullName:    user.FullName(),
		CourseName:  course.FullName,
		CourseURL:   CourseURL(c.cfg.BaseURL, course.ID),
		SiteName:    c.cfg.SiteName,
		DaysOverdue: int(math.Abs(daysDiff)),
	})
	if err != nil {
		return nil, err
	}
	return &message{To: item.RecipientAddress, Subject: subject, Body: body}, nil
}

// assembleSupervisor renders the team list from the item's live siblings
// so employees completing between enqueue and send drop out. The covered
// employees are copied on the message.
func (c *Courier) assembleSupervisor(ctx context.Context, item *QueueItem) (*message, error) {
	course, err := c.directory.GetCourse(ctx, item.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load course %d: %w", item.CourseID, err)
	}

	siblings, err := c.queue.ListSiblingEmployees(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling employees: %w", err)
	}
	if len(siblings) == 0 {
		return nil, fmt.Errorf("no employees left behind queue item %d", item.ID)
	}

	data := TeamList{
		CourseName: course.FullName,
		CourseURL:  CourseURL(c.cfg.BaseURL, course.ID),
		SiteName:   c.cfg.SiteName,
	}
	cc := make([]string, 0, len(siblings))
	for _, s := range siblings {
		data.Members = append(data.Members, TeamMember{FullName: s.FullName, Email: s.Email})
		cc = append(cc, s.Email)
	}

	subject, body, err := c.renderer.RenderSupervisor(item.Level, data)
	if err != nil {
		return nil, err
	}
	return &message{To: item.RecipientAddress, CC: cc, Subject: subject, Body: body}, nil
}

// assembleSeniorManager groups the live sibling employees by their
// supervisor and copies the distinct supervisors.
func (c *Courier) assembleSeniorManager(ctx context.Context, item *QueueItem) (*message, error) {
	course, err := c.directory.GetCourse(ctx, item.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load course %d: %w", item.CourseID, err)
	}

	siblings, err := c.queue.ListSiblingEmployees(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling employees: %w", err)
	}
	if len(siblings) == 0 {
		return nil, fmt.Errorf("no employees left behind queue item %d", item.ID)
	}

	byTeam := make(map[string][]TeamMember)
	for _, s := range siblings {
		byTeam[s.SupervisorAddress] = append(byTeam[s.SupervisorAddress],
			TeamMember{FullName: s.FullName, Email: s.Email})
	}

	addresses := make([]string, 0, len(byTeam))
	for addr := range byTeam {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	data := ManagerRollup{
		CourseName: course.FullName,
		CourseURL:  CourseURL(c.cfg.BaseURL, course.ID),
		SiteName:   c.cfg.SiteName,
	}
	var cc []string
	for _, addr := range addresses {
		data.Teams = append(data.Teams, Team{SupervisorAddress: addr, Members: byTeam[addr]})
		if addr != "" {
			cc = append(cc, addr)
		}
	}

	subject, body, err := c.renderer.RenderSeniorManager(data)
	if err != nil {
		return nil, err
	}
	return &message{To: item.RecipientAddress, CC: cc, Subject: subject, Body: body}, nil
}

// complete records the successful send. Every step here is best-effort:
// the message already left, so failures are logged rather than surfaced.
func (c *Courier) complete(ctx context.Context, item *QueueItem) {
	logger := ctxlog.FromContext(ctx).With("item_id", item.ID)
	sentAt := c.now()

	if err := c.queue.MarkSent(ctx, item.ID, sentAt); err != nil {
		logger.Error("failed to mark queue item sent", "error", err)
	}

	if item.RecipientType != RecipientEmployee {
		absorbed, err := c.queue.MarkSiblingsSent(ctx, item, sentAt)
		if err != nil {
			logger.Error("failed to mark sibling items sent", "error", err)
		} else if absorbed > 0 {
			logger.Info("sibling items absorbed by aggregate send", "count", absorbed)
		}
	}

	if item.RecipientType == RecipientEmployee {
		c.notifyInApp(ctx, item)
	}

	c.touchSentLog(ctx, item, sentAt)
}

func (c *Courier) notifyInApp(ctx context.Context, item *QueueItem) {
	logger := ctxlog.FromContext(ctx).With("item_id", item.ID)

	course, err := c.directory.GetCourse(ctx, item.CourseID)
	if err != nil {
		logger.Warn("failed to load course for in-app notification", "error", err)
		return
	}
	subject, body := inAppMessage(item.Level, course.FullName)
	if err := c.inapp.Notify(ctx, item.UserID, subject, body); err != nil {
		logger.Warn("failed to store in-app notification", "error", err)
	}
}

// touchSentLog refreshes the sent log entry with the actual delivery
// time. The entry already exists from evaluation; this keeps its sent_at
// honest for items sent long after queueing.
func (c *Courier) touchSentLog(ctx context.Context, item *QueueItem, sentAt time.Time) {
	logger := ctxlog.FromContext(ctx).With("item_id", item.ID)

	enrolledAt, err := c.directory.FirstEnrolment(ctx, item.UserID, item.CourseID)
	if err != nil {
		logger.Warn("failed to load enrolment for sent log", "error", err)
		return
	}
	days := resolveDeadlineDays(ctx, c.deadlines, item.CourseID, c.cfg.DefaultDeadlineDays)

	entry := &SentLogEntry{
		UserID:     item.UserID,
		CourseID:   item.CourseID,
		Level:      item.Level,
		EnrolledAt: enrolledAt,
		DeadlineAt: enrolledAt.Add(time.Duration(days) * 24 * time.Hour),
		SentAt:     sentAt,
	}
	if err := c.sentLog.Append(ctx, entry); err != nil {
		logger.Warn("failed to refresh sent log", "error", err)
	}
}

func inAppMessage(level int, courseName string) (string, string) {
	switch level {
	case 1:
		return fmt.Sprintf("Course due soon: %s", courseName),
			fmt.Sprintf("Your mandatory course %q is due in 3 days.", courseName)
	case 2:
		return fmt.Sprintf("URGENT: Course due tomorrow: %s", courseName),
			fmt.Sprintf("Your mandatory course %q is due tomorrow.", courseName)
	case 3:
		return fmt.Sprintf("OVERDUE: Course not completed: %s", courseName),
			fmt.Sprintf("Your mandatory course %q is overdue. Your supervisor has been notified.", courseName)
	default:
		return fmt.Sprintf("CRITICAL: Course 2 weeks overdue: %s", courseName),
			fmt.Sprintf("Your mandatory course %q is more than two weeks overdue. Senior management has been notified.", courseName)
	}
}
