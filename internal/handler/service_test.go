package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/courtsideapp/courtside/internal/database"
	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/reminder"
	"github.com/courtsideapp/courtside/internal/store"
	"github.com/courtsideapp/courtside/internal/token"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (s *stubDispatcher) Dispatch(context.Context, int64, notify.Message) (notify.Report, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return notify.Report{PushAttempted: 1, PushDelivered: 1}, nil
}

type serviceFixture struct {
	handler    *ServiceHandler
	sched      *reminder.Scheduler
	lessons    *store.LessonStore
	dispatcher *stubDispatcher
	coachID    int64
	clientID   int64
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := token.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	users := store.NewUserStore(db)
	coach, err := users.Create("coach@example.com", "Coach", model.RoleCoach)
	if err != nil {
		t.Fatalf("create coach: %v", err)
	}
	client, err := users.Create("client@example.com", "Client", model.RoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	lessons := store.NewLessonStore(db)
	workouts := store.NewWorkoutStore(db)
	marks := store.NewPushStore(db)
	dispatcher := &stubDispatcher{}

	sched := reminder.NewScheduler(reminder.Config{Interval: time.Hour}, lessons, codec, dispatcher, nil, slog.Default())
	digests := reminder.NewDigests(lessons, workouts, marks, dispatcher, 7, nil, slog.Default())

	handler := NewServiceHandler(context.Background(), sched, digests, slog.Default())
	t.Cleanup(sched.Stop)

	return &serviceFixture{
		handler:    handler,
		sched:      sched,
		lessons:    lessons,
		dispatcher: dispatcher,
		coachID:    coach.ID,
		clientID:   client.ID,
	}
}

func TestStartRemindersIsIdempotent(t *testing.T) {
	f := setupService(t)

	for range 2 {
		w := httptest.NewRecorder()
		f.handler.StartReminders(w, httptest.NewRequest(http.MethodPost, "/api/service/reminders/start", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	}

	var status reminder.Status
	w := httptest.NewRecorder()
	f.handler.RemindersStatus(w, httptest.NewRequest(http.MethodGet, "/api/service/reminders/status", nil))
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != reminder.StateRunning {
		t.Errorf("state = %q, want %q", status.State, reminder.StateRunning)
	}
}

func TestCheckRemindersReturnsReport(t *testing.T) {
	f := setupService(t)

	w := httptest.NewRecorder()
	f.handler.CheckReminders(w, httptest.NewRequest(http.MethodPost, "/api/service/reminders/check", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var report reminder.TickReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.RunID == "" {
		t.Error("expected run id in report")
	}
}

func TestCheckRemindersConflictsWhileTicking(t *testing.T) {
	f := setupService(t)

	if _, err := f.lessons.Create(f.coachID, f.clientID, time.Now().UTC().Add(30*time.Minute)); err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	f.dispatcher.block = make(chan struct{})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		w := httptest.NewRecorder()
		f.handler.CheckReminders(w, httptest.NewRequest(http.MethodPost, "/api/service/reminders/check", nil))
	}()

	deadline := time.After(2 * time.Second)
	for {
		f.dispatcher.mu.Lock()
		started := f.dispatcher.calls > 0
		f.dispatcher.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first check never reached dispatcher")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	w := httptest.NewRecorder()
	f.handler.CheckReminders(w, httptest.NewRequest(http.MethodPost, "/api/service/reminders/check", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	close(f.dispatcher.block)
	<-firstDone
}

func TestRemindersHealthUnavailableWhenStopped(t *testing.T) {
	f := setupService(t)

	w := httptest.NewRecorder()
	f.handler.RemindersHealth(w, httptest.NewRequest(http.MethodGet, "/api/service/reminders/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 for stopped scheduler", w.Code)
	}

	var health reminder.Health
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Healthy {
		t.Error("expected healthy = false")
	}
}

func TestRemindersHealthOKWhenRunning(t *testing.T) {
	f := setupService(t)
	f.sched.Start(context.Background())

	w := httptest.NewRecorder()
	f.handler.RemindersHealth(w, httptest.NewRequest(http.MethodGet, "/api/service/reminders/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for running scheduler", w.Code)
	}
}

func TestRunDigestUnknownJob(t *testing.T) {
	f := setupService(t)

	r := httptest.NewRequest(http.MethodPost, "/api/service/digests/nope/run", nil)
	r.SetPathValue("job", "nope")
	w := httptest.NewRecorder()
	f.handler.RunDigest(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRunDigestRejectsBadDate(t *testing.T) {
	f := setupService(t)

	r := httptest.NewRequest(http.MethodPost, "/api/service/digests/daily-digest/run?date=yesterday", nil)
	r.SetPathValue("job", "daily-digest")
	w := httptest.NewRecorder()
	f.handler.RunDigest(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRunDigestReturnsReport(t *testing.T) {
	f := setupService(t)

	r := httptest.NewRequest(http.MethodPost, "/api/service/digests/daily-digest/run?date=2026-03-10", nil)
	r.SetPathValue("job", "daily-digest")
	w := httptest.NewRecorder()
	f.handler.RunDigest(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var report reminder.JobReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Job != "daily_digest" || report.Date != "2026-03-10" {
		t.Errorf("report = %+v, want daily_digest for 2026-03-10", report)
	}
}
