package integration

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/training-garden/internal/pkg/postgres"
	"github.com/bissquit/training-garden/internal/testutil"
	"github.com/bissquit/training-garden/migrations"
)

var (
	pool    *pgxpool.Pool
	mailpit *testutil.MailpitContainer
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	mailpit, err = testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}

	if err := postgres.Migrate(pg.ConnectionString, migrations.FS); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err = pgxpool.New(ctx, pg.ConnectionString)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	pool.Close()
	_ = pg.Terminate(ctx)
	_ = mailpit.Terminate(ctx)
	os.Exit(code)
}

func resetDB(t *testing.T) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE in_app_notifications, reminder_sent_log, reminder_queue,
		         course_deadlines, course_completions, enrolments,
		         user_profile_fields, courses, users
		RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

func seedUser(t *testing.T, email, firstName, lastName string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (email, first_name, last_name)
		VALUES ($1, $2, $3) RETURNING id`,
		email, firstName, lastName).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedCourse(t *testing.T, name string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO courses (full_name, visible, mandatory)
		VALUES ($1, TRUE, TRUE) RETURNING id`, name).Scan(&id)
	if err != nil {
		t.Fatalf("seed course: %v", err)
	}
	return id
}

func enrol(t *testing.T, userID, courseID int64, enrolledAt time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO enrolments (user_id, course_id, enrolled_at)
		VALUES ($1, $2, $3)`, userID, courseID, enrolledAt)
	if err != nil {
		t.Fatalf("enrol user: %v", err)
	}
}

func setProfileField(t *testing.T, userID int64, name, value string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO user_profile_fields (user_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, name) DO UPDATE SET value = EXCLUDED.value`,
		userID, name, value)
	if err != nil {
		t.Fatalf("set profile field: %v", err)
	}
}

func completeCourse(t *testing.T, userID, courseID int64) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO course_completions (user_id, course_id)
		VALUES ($1, $2)`, userID, courseID)
	if err != nil {
		t.Fatalf("complete course: %v", err)
	}
}

func backdateProcessing(t *testing.T, itemID int64, age time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		UPDATE reminder_queue
		SET status = 'processing', modified_at = NOW() - $2::interval
		WHERE id = $1`,
		itemID, fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		t.Fatalf("backdate processing item: %v", err)
	}
}
