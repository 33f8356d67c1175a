package reminders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/domain"
)

// fakeQueueRepo is an in-memory QueueRepository.
type fakeQueueRepo struct {
	mu        sync.Mutex
	items     map[int64]*QueueItem
	nextID    int64
	now       func() time.Time
	claimErr  error
	fetchErr  error
	employees map[int64]SiblingEmployee
	fetches   int
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{
		items:     make(map[int64]*QueueItem),
		employees: make(map[int64]SiblingEmployee),
		now:       time.Now,
	}
}

func (f *fakeQueueRepo) EnqueueBatch(_ context.Context, items []*QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.nextID++
		item.ID = f.nextID
		item.Status = StatusPending
		item.CreatedAt = f.now()
		item.ModifiedAt = item.CreatedAt
		copied := *item
		f.items[item.ID] = &copied
	}
	return nil
}

func (f *fakeQueueRepo) Get(_ context.Context, id int64) (*QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (f *fakeQueueRepo) FetchPending(_ context.Context, scope Scope, limit int) ([]*QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.fetches++

	inScope := func(item *QueueItem) bool {
		if scope.Targeted() {
			for _, id := range scope.IDs {
				if item.ID == id {
					return true
				}
			}
			return false
		}
		if scope.RecipientType != "" && item.RecipientType != scope.RecipientType {
			return false
		}
		return true
	}

	var items []*QueueItem
	for _, item := range f.items {
		if item.Status == StatusPending && inScope(item) {
			copied := *item
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeQueueRepo) Claim(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	item, ok := f.items[id]
	if !ok || item.Status != StatusPending {
		return false, nil
	}
	item.Status = StatusProcessing
	item.ModifiedAt = f.now()
	return true, nil
}

func (f *fakeQueueRepo) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return ErrItemNotFound
	}
	item.Status = StatusSent
	item.SentAt = &sentAt
	item.ModifiedAt = f.now()
	return nil
}

func (f *fakeQueueRepo) MarkSiblingsSent(_ context.Context, ref *QueueItem, sentAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, item := range f.items {
		if item.ID == ref.ID {
			continue
		}
		if item.RecipientAddress == ref.RecipientAddress &&
			item.RecipientType == ref.RecipientType &&
			item.CourseID == ref.CourseID &&
			item.Level == ref.Level &&
			(item.Status == StatusPending || item.Status == StatusProcessing) {
			item.Status = StatusSent
			item.SentAt = &sentAt
			item.ModifiedAt = f.now()
			n++
		}
	}
	return n, nil
}

func (f *fakeQueueRepo) MarkFailed(_ context.Context, id int64, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return ErrItemNotFound
	}
	item.Status = StatusFailed
	item.Attempts++
	msg := cause.Error()
	if len(msg) > 255 {
		msg = msg[:255]
	}
	item.ErrorMessage = msg
	item.ModifiedAt = f.now()
	return nil
}

func (f *fakeQueueRepo) ResetStuck(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, item := range f.items {
		if item.Status == StatusProcessing && item.ModifiedAt.Before(cutoff) {
			item.Status = StatusPending
			item.ModifiedAt = f.now()
			n++
		}
	}
	return n, nil
}

func (f *fakeQueueRepo) ResetFailed(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.Status != StatusFailed {
		return false, nil
	}
	item.Status = StatusPending
	item.ErrorMessage = ""
	item.ModifiedAt = f.now()
	return true, nil
}

func (f *fakeQueueRepo) CountPending(_ context.Context, scope Scope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.items {
		if item.Status != StatusPending {
			continue
		}
		if scope.RecipientType != "" && item.RecipientType != scope.RecipientType {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeQueueRepo) CountSentSince(_ context.Context, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.items {
		if item.Status == StatusSent && item.SentAt != nil && !item.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeQueueRepo) List(_ context.Context, filter QueueFilter, limit, offset int) ([]*QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []*QueueItem
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.RecipientType != "" && item.RecipientType != filter.RecipientType {
			continue
		}
		if filter.Level != 0 && item.Level != filter.Level {
			continue
		}
		if filter.CourseID != 0 && item.CourseID != filter.CourseID {
			continue
		}
		copied := *item
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeQueueRepo) Stats(_ context.Context) (*QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &QueueStats{}
	for _, item := range f.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (f *fakeQueueRepo) ListSiblingEmployees(_ context.Context, ref *QueueItem) ([]SiblingEmployee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]bool)
	var employees []SiblingEmployee
	for _, item := range f.items {
		if item.RecipientAddress != ref.RecipientAddress ||
			item.RecipientType != ref.RecipientType ||
			item.CourseID != ref.CourseID ||
			item.Level != ref.Level {
			continue
		}
		if item.Status != StatusPending && item.Status != StatusProcessing {
			continue
		}
		if seen[item.UserID] {
			continue
		}
		seen[item.UserID] = true
		if e, ok := f.employees[item.UserID]; ok {
			employees = append(employees, e)
		}
	}
	sort.Slice(employees, func(i, j int) bool { return employees[i].UserID < employees[j].UserID })
	return employees, nil
}

// statuses returns a status snapshot keyed by item id, for assertions.
func (f *fakeQueueRepo) statuses() map[int64]QueueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]QueueStatus, len(f.items))
	for id, item := range f.items {
		out[id] = item.Status
	}
	return out
}

func (f *fakeQueueRepo) add(item *QueueItem) *QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	item.ID = f.nextID
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = f.now()
	}
	if item.ModifiedAt.IsZero() {
		item.ModifiedAt = item.CreatedAt
	}
	f.items[item.ID] = item
	return item
}

// fakeSentLog is an in-memory SentLogRepository.
type fakeSentLog struct {
	mu      sync.Mutex
	entries map[string]*SentLogEntry
}

func newFakeSentLog() *fakeSentLog {
	return &fakeSentLog{entries: make(map[string]*SentLogEntry)}
}

func sentLogKey(userID, courseID int64, level int) string {
	return fmt.Sprintf("%d:%d:%d", userID, courseID, level)
}

func (f *fakeSentLog) Exists(_ context.Context, userID, courseID int64, level int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[sentLogKey(userID, courseID, level)]
	return ok, nil
}

func (f *fakeSentLog) Append(_ context.Context, entry *SentLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *entry
	f.entries[sentLogKey(entry.UserID, entry.CourseID, entry.Level)] = &copied
	return nil
}

func (f *fakeSentLog) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// fakeDeadlines is an in-memory DeadlineConfigRepository.
type fakeDeadlines struct {
	mu        sync.Mutex
	overrides map[int64]int
}

func newFakeDeadlines() *fakeDeadlines {
	return &fakeDeadlines{overrides: make(map[int64]int)}
}

func (f *fakeDeadlines) Get(_ context.Context, courseID int64) (*domain.DeadlineConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	days, ok := f.overrides[courseID]
	if !ok {
		return nil, ErrDeadlineNotConfigured
	}
	return &domain.DeadlineConfig{CourseID: courseID, DeadlineDays: days}, nil
}

func (f *fakeDeadlines) Set(_ context.Context, courseID int64, days int) (*domain.DeadlineConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[courseID] = days
	return &domain.DeadlineConfig{CourseID: courseID, DeadlineDays: days}, nil
}

func (f *fakeDeadlines) List(_ context.Context) ([]domain.DeadlineConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var configs []domain.DeadlineConfig
	for courseID, days := range f.overrides {
		configs = append(configs, domain.DeadlineConfig{CourseID: courseID, DeadlineDays: days})
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].CourseID < configs[j].CourseID })
	return configs, nil
}

// fakeDirectory is an in-memory directory.Repository.
type fakeDirectory struct {
	courses    []domain.Course
	users      map[int64]*domain.User
	incomplete map[int64][]domain.OverdueUser
	enrolments map[string]time.Time
	addresses  map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:      make(map[int64]*domain.User),
		incomplete: make(map[int64][]domain.OverdueUser),
		enrolments: make(map[string]time.Time),
		addresses:  make(map[string]string),
	}
}

func (f *fakeDirectory) addUser(u domain.User, courseID int64, enrolledAt time.Time) {
	copied := u
	f.users[u.ID] = &copied
	f.incomplete[courseID] = append(f.incomplete[courseID], domain.OverdueUser{User: u, EnrolledAt: enrolledAt})
	f.enrolments[fmt.Sprintf("%d:%d", u.ID, courseID)] = enrolledAt
}

func (f *fakeDirectory) setAddress(userID int64, role domain.RecipientRole, address string) {
	f.addresses[fmt.Sprintf("%d:%s", userID, role)] = address
}

func (f *fakeDirectory) ListMandatoryCourses(_ context.Context) ([]domain.Course, error) {
	return f.courses, nil
}

func (f *fakeDirectory) GetCourse(_ context.Context, id int64) (*domain.Course, error) {
	for i := range f.courses {
		if f.courses[i].ID == id {
			return &f.courses[i], nil
		}
	}
	return nil, directory.ErrCourseNotFound
}

func (f *fakeDirectory) GetUser(_ context.Context, id int64) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeDirectory) IncompleteUsers(_ context.Context, courseID int64) ([]domain.OverdueUser, error) {
	return f.incomplete[courseID], nil
}

func (f *fakeDirectory) FirstEnrolment(_ context.Context, userID, courseID int64) (time.Time, error) {
	t, ok := f.enrolments[fmt.Sprintf("%d:%d", userID, courseID)]
	if !ok {
		return time.Time{}, directory.ErrNotEnrolled
	}
	return t, nil
}

func (f *fakeDirectory) ResolveAddress(_ context.Context, userID int64, role domain.RecipientRole) (string, error) {
	return f.addresses[fmt.Sprintf("%d:%s", userID, role)], nil
}

func (f *fakeDirectory) CountIncompleteUsers(_ context.Context) (int, error) {
	count := 0
	for _, users := range f.incomplete {
		count += len(users)
	}
	return count, nil
}

// fakeMailer records deliveries and can be made to fail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

type sentMail struct {
	To      string
	CC      []string
	Subject string
	Body    string
}

func (f *fakeMailer) Deliver(_ context.Context, to string, cc []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, CC: cc, Subject: subject, Body: body})
	return nil
}

func (f *fakeMailer) deliveries() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

// fakeInApp records in-app notifications.
type fakeInApp struct {
	mu    sync.Mutex
	notes []inAppNote
}

type inAppNote struct {
	UserID  int64
	Subject string
	Message string
}

func (f *fakeInApp) Notify(_ context.Context, userID int64, subject, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, inAppNote{UserID: userID, Subject: subject, Message: message})
	return nil
}

func (f *fakeInApp) all() []inAppNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inAppNote(nil), f.notes...)
}
