package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
)

const secondsPerDay = 86400

// Config carries the reminder engine settings shared across components.
type Config struct {
	SiteName            string
	BaseURL             string
	DefaultDeadlineDays int
	BatchSize           int
	SyncSendLimit       int
	StaleAfter          time.Duration
	DeliveryTimeout     time.Duration
}

// LevelFor maps the distance from a deadline, in days, to an escalation
// level. Zero means no reminder is due. Windows are half-open on the
// right: exactly -1 day is level 2, exactly 14 days is level 4. The gap
// between the deadline and day 7 is a deliberate grace period.
func LevelFor(daysDiff float64) int {
	switch {
	case daysDiff >= 14:
		return 4
	case daysDiff >= 7:
		return 3
	case daysDiff >= -1 && daysDiff < 0:
		return 2
	case daysDiff >= -3 && daysDiff < -1:
		return 1
	default:
		return 0
	}
}

// RunSummary reports what one evaluation pass did.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Courses   int           `json:"courses"`
	Users     int           `json:"users"`
	Queued    int           `json:"queued"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Evaluator walks mandatory courses, detects users whose deadline
// distance falls in an escalation window and hands each new level to the
// enqueuer. The sent log makes the pass idempotent: a level already
// logged for a user and course is never queued again.
type Evaluator struct {
	cfg       Config
	directory directory.Repository
	deadlines DeadlineConfigRepository
	sentLog   SentLogRepository
	enqueuer  *Enqueuer
}

func NewEvaluator(
	cfg Config,
	dir directory.Repository,
	deadlines DeadlineConfigRepository,
	sentLog SentLogRepository,
	enqueuer *Enqueuer,
) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		directory: dir,
		deadlines: deadlines,
		sentLog:   sentLog,
		enqueuer:  enqueuer,
	}
}

// EvaluateEscalations runs one evaluation pass at the given reference
// time. Per-user failures are logged and skipped so one bad record does
// not abort the whole run.
func (e *Evaluator) EvaluateEscalations(ctx context.Context, now time.Time) (*RunSummary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := ctxlog.FromContext(ctx).With("run_id", runID)
	summary := &RunSummary{RunID: runID, StartedAt: now}

	courses, err := e.directory.ListMandatoryCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandatory courses: %w", err)
	}
	summary.Courses = len(courses)

	for i := range courses {
		course := &courses[i]
		days := resolveDeadlineDays(ctx, e.deadlines, course.ID, e.cfg.DefaultDeadlineDays)

		users, err := e.directory.IncompleteUsers(ctx, course.ID)
		if err != nil {
			logger.Error("failed to list incomplete users",
				"course_id", course.ID, "error", err)
			continue
		}
		summary.Users += len(users)

		for _, user := range users {
			deadlineAt := user.EnrolledAt.Add(time.Duration(days) * 24 * time.Hour)
			daysDiff := now.Sub(deadlineAt).Seconds() / secondsPerDay

			level := LevelFor(daysDiff)
			if level == 0 {
				continue
			}

			handled, err := e.sentLog.Exists(ctx, user.ID, course.ID, level)
			if err != nil {
				logger.Error("failed to check sent log",
					"user_id", user.ID, "course_id", course.ID, "level", level, "error", err)
				continue
			}
			if handled {
				summary.Skipped++
				continue
			}

			// The log entry is written before the enqueue so a crash
			// between the two drops the reminder rather than duplicating
			// it on the next run.
			entry := &SentLogEntry{
				UserID:     user.ID,
				CourseID:   course.ID,
				Level:      level,
				EnrolledAt: user.EnrolledAt,
				DeadlineAt: deadlineAt,
				SentAt:     now,
			}
			if err := e.sentLog.Append(ctx, entry); err != nil {
				logger.Error("failed to append sent log",
					"user_id", user.ID, "course_id", course.ID, "level", level, "error", err)
				continue
			}

			queued, err := e.enqueuer.Expand(ctx, course, user.User, level, daysDiff)
			if err != nil {
				logger.Error("failed to enqueue reminders",
					"user_id", user.ID, "course_id", course.ID, "level", level, "error", err)
				continue
			}

			summary.Queued++
			evaluationQueuedTotal.Inc()
			logger.Info("escalation queued",
				"user_id", user.ID,
				"course_id", course.ID,
				"level", level,
				"items", queued,
			)
		}
	}

	// Wall-clock duration of the pass; now is only the reference time for
	// the escalation windows and may lie in the past.
	summary.Duration = time.Since(start)
	evaluationRunsTotal.Inc()
	logger.Info("evaluation run complete",
		"courses", summary.Courses,
		"users", summary.Users,
		"queued", summary.Queued,
		"skipped", summary.Skipped,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}

// resolveDeadlineDays returns the course's configured deadline in days,
// falling back to the global default when no override exists or the
// lookup fails.
func resolveDeadlineDays(ctx context.Context, repo DeadlineConfigRepository, courseID int64, fallback int) int {
	cfg, err := repo.Get(ctx, courseID)
	if err != nil {
		if !errors.Is(err, ErrDeadlineNotConfigured) {
			ctxlog.FromContext(ctx).Warn("failed to resolve course deadline",
				"course_id", courseID, "error", err)
		}
		return fallback
	}
	return cfg.DeadlineDays
}
