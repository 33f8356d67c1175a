package reminders

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// EmployeeMessage is the data for a direct reminder to an employee.
type EmployeeMessage struct {
	FullName    string
	CourseName  string
	CourseURL   string
	SiteName    string
	DaysOverdue int
}

// TeamMember is one overdue employee listed in an aggregate message.
type TeamMember struct {
	FullName string
	Email    string
}

// TeamList is the data for a supervisor message covering every overdue
// member of their team.
type TeamList struct {
	CourseName  string
	CourseURL   string
	SiteName    string
	DaysOverdue int
	Members     []TeamMember
}

// Team groups overdue employees under their supervisor for the senior
// manager rollup.
type Team struct {
	SupervisorAddress string
	Members           []TeamMember
}

// ManagerRollup is the data for a senior manager message summarising
// overdue employees across teams.
type ManagerRollup struct {
	CourseName  string
	CourseURL   string
	SiteName    string
	DaysOverdue int
	Teams       []Team
}

var subjects = map[RecipientType]map[int]string{
	RecipientEmployee: {
		1: "Reminder: Mandatory Course Due Soon - %s",
		2: "URGENT: Mandatory Course Due Tomorrow - %s",
		3: "OVERDUE: Mandatory Course Not Completed - %s",
		4: "CRITICAL: Mandatory Course 2 Weeks Overdue - %s",
	},
	RecipientSupervisor: {
		3: "Team Member Overdue: Mandatory Course - %s",
		4: "ESCALATION: Team Members 2 Weeks Overdue - %s",
	},
	RecipientSeniorManager: {
		4: "MANAGEMENT ALERT: Mandatory Course Compliance - %s",
	},
}

// Subject returns the subject line for a recipient type and level, or ""
// when no message exists for the combination.
func Subject(recipient RecipientType, level int, courseName string) string {
	format, ok := subjects[recipient][level]
	if !ok {
		return ""
	}
	return fmt.Sprintf(format, courseName)
}

// CourseURL builds the link embedded in reminder messages.
func CourseURL(baseURL string, courseID int64) string {
	return fmt.Sprintf("%s/courses/%d", strings.TrimRight(baseURL, "/"), courseID)
}

// Renderer produces reminder message bodies from embedded templates.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	titleCaser := cases.Title(language.English)
	funcMap := template.FuncMap{
		"title": titleCaser.String,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}

	tmpl, err := template.New("reminders").Funcs(funcMap).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse reminder templates: %w", err)
	}
	return &Renderer{templates: tmpl}, nil
}

// RenderEmployee renders the direct message for the given level and
// returns its subject and body.
func (r *Renderer) RenderEmployee(level int, data EmployeeMessage) (string, string, error) {
	body, err := r.render(fmt.Sprintf("employee_level%d.tmpl", level), data)
	if err != nil {
		return "", "", err
	}
	return Subject(RecipientEmployee, level, data.CourseName), body, nil
}

// RenderSupervisor renders the aggregate team message for the given level.
func (r *Renderer) RenderSupervisor(level int, data TeamList) (string, string, error) {
	body, err := r.render(fmt.Sprintf("supervisor_level%d.tmpl", level), data)
	if err != nil {
		return "", "", err
	}
	return Subject(RecipientSupervisor, level, data.CourseName), body, nil
}

// RenderSeniorManager renders the cross-team rollup message.
func (r *Renderer) RenderSeniorManager(data ManagerRollup) (string, string, error) {
	body, err := r.render("senior_manager_level4.tmpl", data)
	if err != nil {
		return "", "", err
	}
	return Subject(RecipientSeniorManager, 4, data.CourseName), body, nil
}

func (r *Renderer) render(name string, data any) (string, error) {
	if r.templates.Lookup(name) == nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}
