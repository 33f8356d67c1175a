package domain

import "time"

type Course struct {
	ID        int64
	FullName  string
	Visible   bool
	Mandatory bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeadlineConfig is a per-course completion deadline override.
// Courses without a row fall back to the global default.
type DeadlineConfig struct {
	CourseID     int64     `json:"course_id"`
	DeadlineDays int       `json:"deadline_days"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
