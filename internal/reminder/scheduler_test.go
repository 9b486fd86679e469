package reminder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/courtsideapp/courtside/internal/database"
	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/store"
	"github.com/courtsideapp/courtside/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []int64 // user IDs in dispatch order
	report notify.Report
	err    error

	// When non-nil, Dispatch blocks until the channel is closed. Used to
	// hold a tick open while probing the single-flight guard.
	block chan struct{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, userID int64, _ notify.Message) (notify.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return f.report, f.err
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type schedulerFixture struct {
	sched      *Scheduler
	lessons    *store.LessonStore
	dispatcher *fakeDispatcher
	coachID    int64
	clientID   int64
	base       time.Time
}

func setupScheduler(t *testing.T, cfg Config) *schedulerFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	coach, err := users.Create("coach@example.com", "Coach", model.RoleCoach)
	if err != nil {
		t.Fatalf("create coach: %v", err)
	}
	client, err := users.Create("client@example.com", "Client", model.RoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	codec, err := token.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	dispatcher := &fakeDispatcher{
		report: notify.Report{PushAttempted: 1, PushDelivered: 1},
	}
	lessons := store.NewLessonStore(db)
	sched := NewScheduler(cfg, lessons, codec, dispatcher, nil, slog.Default())

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return base }

	return &schedulerFixture{
		sched:      sched,
		lessons:    lessons,
		dispatcher: dispatcher,
		coachID:    coach.ID,
		clientID:   client.ID,
		base:       base,
	}
}

func TestManualCheckRemindsLessonInWindow(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour, BaseURL: "https://courtside.test"})

	// 30 minutes out with a 60-minute lookahead: squarely in the window.
	lesson, err := f.lessons.Create(f.coachID, f.clientID, f.base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}

	report, err := f.sched.ManualCheck(context.Background())
	if err != nil {
		t.Fatalf("manual check: %v", err)
	}
	if report.Candidates != 1 || report.Reminded != 1 {
		t.Errorf("candidates/reminded = %d/%d, want 1/1", report.Candidates, report.Reminded)
	}
	if f.dispatcher.callCount() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", f.dispatcher.callCount())
	}
	if f.dispatcher.calls[0] != f.clientID {
		t.Errorf("dispatched to user %d, want client %d", f.dispatcher.calls[0], f.clientID)
	}

	got, err := f.lessons.GetByID(lesson.ID)
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if got.ReminderSentAt == nil {
		t.Error("expected reminder marker set after successful dispatch")
	}
}

func TestManualCheckSkipsOutOfWindowLessons(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour})

	// One lesson past, one beyond the lookahead: neither is a candidate.
	f.lessons.Create(f.coachID, f.clientID, f.base.Add(-10*time.Minute))
	f.lessons.Create(f.coachID, f.clientID, f.base.Add(2*time.Hour))

	report, err := f.sched.ManualCheck(context.Background())
	if err != nil {
		t.Fatalf("manual check: %v", err)
	}
	if report.Candidates != 0 {
		t.Errorf("candidates = %d, want 0", report.Candidates)
	}
	if f.dispatcher.callCount() != 0 {
		t.Errorf("dispatch calls = %d, want 0", f.dispatcher.callCount())
	}
}

func TestSecondCheckDoesNotRepeatReminder(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour})

	f.lessons.Create(f.coachID, f.clientID, f.base.Add(30*time.Minute))

	if _, err := f.sched.ManualCheck(context.Background()); err != nil {
		t.Fatalf("first check: %v", err)
	}
	report, err := f.sched.ManualCheck(context.Background())
	if err != nil {
		t.Fatalf("second check: %v", err)
	}

	if report.Candidates != 0 || report.Reminded != 0 {
		t.Errorf("second tick candidates/reminded = %d/%d, want 0/0", report.Candidates, report.Reminded)
	}
	if f.dispatcher.callCount() != 1 {
		t.Errorf("dispatch calls after two ticks = %d, want 1", f.dispatcher.callCount())
	}
}

func TestConcurrentManualCheckRejectedWithErrBusy(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour})

	f.lessons.Create(f.coachID, f.clientID, f.base.Add(30*time.Minute))
	f.dispatcher.block = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.sched.ManualCheck(context.Background())
		firstDone <- err
	}()

	// Wait for the first tick to reach the dispatcher, then probe.
	deadline := time.After(2 * time.Second)
	for f.dispatcher.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first tick never reached dispatcher")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := f.sched.ManualCheck(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent check error = %v, want ErrBusy", err)
	}

	close(f.dispatcher.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first check: %v", err)
	}
	if f.dispatcher.callCount() != 1 {
		t.Errorf("dispatch calls = %d, want 1 (no overlapping tick)", f.dispatcher.callCount())
	}
}

func TestNoMarkerWhenNothingAttempted(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour})

	// No subscriptions, no email: the dispatcher reports zero attempts.
	f.dispatcher.report = notify.Report{}
	lesson, _ := f.lessons.Create(f.coachID, f.clientID, f.base.Add(30*time.Minute))

	report, err := f.sched.ManualCheck(context.Background())
	if err != nil {
		t.Fatalf("manual check: %v", err)
	}
	if report.Skipped != 1 || report.Reminded != 0 {
		t.Errorf("skipped/reminded = %d/%d, want 1/0", report.Skipped, report.Reminded)
	}

	got, _ := f.lessons.GetByID(lesson.ID)
	if got.ReminderSentAt != nil {
		t.Error("marker must stay unset so the lesson is retried next tick")
	}
}

func TestDispatchFailureKeepsLessonForRetry(t *testing.T) {
	f := setupScheduler(t, Config{Lookahead: time.Hour})

	f.dispatcher.err = errors.New("load notification preference: database is closed")
	lesson, _ := f.lessons.Create(f.coachID, f.clientID, f.base.Add(30*time.Minute))

	report, err := f.sched.ManualCheck(context.Background())
	if err != nil {
		t.Fatalf("tick itself should not fail on per-candidate errors: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Errorf("errors = %v, want one entry", report.Errors)
	}

	got, _ := f.lessons.GetByID(lesson.ID)
	if got.ReminderSentAt != nil {
		t.Error("marker must stay unset after a failed dispatch")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := setupScheduler(t, Config{Interval: time.Hour})

	f.sched.Start(context.Background())
	f.sched.Start(context.Background())
	defer f.sched.Stop()

	if got := f.sched.Status().State; got != StateRunning {
		t.Errorf("state = %q, want %q", got, StateRunning)
	}
}

func TestStopThenStartRestartsCleanly(t *testing.T) {
	f := setupScheduler(t, Config{Interval: time.Hour})

	f.sched.Start(context.Background())
	f.sched.Stop()

	if got := f.sched.Status().State; got != StateStopped {
		t.Fatalf("state after stop = %q, want %q", got, StateStopped)
	}

	f.sched.Start(context.Background())
	defer f.sched.Stop()
	if got := f.sched.Status().State; got != StateRunning {
		t.Errorf("state after restart = %q, want %q", got, StateRunning)
	}
}

func TestHealthReportsStoreFailureWhileStillRunning(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	codec, err := token.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	sched := NewScheduler(Config{Interval: time.Hour}, store.NewLessonStore(db), codec, &fakeDispatcher{}, nil, slog.Default())

	sched.Start(context.Background())
	defer sched.Stop()

	// Closing the database makes the candidate query fail.
	db.Close()
	if _, err := sched.ManualCheck(context.Background()); err == nil {
		t.Fatal("expected manual check to surface the store failure")
	}

	health := sched.Health()
	if health.Healthy {
		t.Error("expected unhealthy after failed tick")
	}
	if health.LastError == "" {
		t.Error("expected recorded tick error in health")
	}
	if st := sched.Status(); st.State != StateRunning {
		t.Errorf("status state = %q, want %q (failed tick does not stop the loop)", st.State, StateRunning)
	}
}

func TestHealthStaleWhenTicksStop(t *testing.T) {
	f := setupScheduler(t, Config{Interval: time.Minute, Lookahead: time.Hour})

	f.sched.Start(context.Background())
	defer f.sched.Stop()

	if _, err := f.sched.ManualCheck(context.Background()); err != nil {
		t.Fatalf("manual check: %v", err)
	}
	if h := f.sched.Health(); !h.Healthy {
		t.Fatalf("expected healthy right after a clean tick, got %+v", h)
	}

	// Advance the clock past three intervals without a tick. Health reads
	// the clock under the scheduler mutex, so swap it under the same lock.
	f.sched.mu.Lock()
	f.sched.now = func() time.Time { return f.base.Add(10 * time.Minute) }
	f.sched.mu.Unlock()
	if h := f.sched.Health(); h.Healthy {
		t.Errorf("expected stale scheduler to report unhealthy, got %+v", h)
	}
}

func TestHealthUnhealthyWhenStopped(t *testing.T) {
	f := setupScheduler(t, Config{Interval: time.Hour})

	if h := f.sched.Health(); h.Healthy {
		t.Errorf("expected stopped scheduler to report unhealthy, got %+v", h)
	}
}

func TestTickCallbackFires(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := token.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	var (
		mu      sync.Mutex
		reports []TickReport
	)
	callback := func(r TickReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}
	sched := NewScheduler(Config{Interval: time.Hour}, store.NewLessonStore(db), codec, &fakeDispatcher{}, callback, slog.Default())

	if _, err := sched.ManualCheck(context.Background()); err != nil {
		t.Fatalf("manual check: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(reports))
	}
	if reports[0].RunID == "" {
		t.Error("expected run id on callback report")
	}
}
