package domain

import "time"

// RecipientRole identifies a management contact resolved from a user's profile.
type RecipientRole string

const (
	RoleSupervisor    RecipientRole = "supervisor"
	RoleSeniorManager RecipientRole = "senior_manager"
)

type User struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName returns the user's display name.
func (u User) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// OverdueUser is an enrolled-but-incomplete user together with the
// earliest enrolment timestamp used for deadline math.
type OverdueUser struct {
	User
	EnrolledAt time.Time
}
