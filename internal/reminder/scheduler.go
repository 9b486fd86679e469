// Package reminder owns the lesson-reminder pipeline: a long-lived scheduler
// that periodically scans upcoming lessons, issues confirmation tokens, and
// dispatches multi-channel reminders, plus the daily digest batch jobs.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/courtsideapp/courtside/internal/metrics"
	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/store"
	"github.com/courtsideapp/courtside/internal/token"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateTicking State = "ticking"
)

// ErrBusy is returned by ManualCheck when a tick is already in progress.
// Manual checks are rejected rather than queued; the caller can simply retry.
var ErrBusy = errors.New("reminder check already in progress")

// Candidates within one tick are independent rows; process a few at a time.
const maxConcurrentCandidates = 4

// Config holds scheduler configuration.
type Config struct {
	Interval  time.Duration // time between scheduled ticks
	Lookahead time.Duration // reminder window ahead of now
	TokenTTL  time.Duration // confirmation token lifetime
	BaseURL   string        // public base URL for accept/decline links
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Lookahead <= 0 {
		c.Lookahead = time.Hour
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = c.Lookahead + time.Hour
	}
}

// Dispatcher is the notification fan-out the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64, msg notify.Message) (notify.Report, error)
}

// TickReport aggregates the outcome of one tick.
type TickReport struct {
	RunID         string        `json:"run_id"`
	Candidates    int           `json:"candidates"`
	Reminded      int           `json:"reminded"` // reminder marker set
	Skipped       int           `json:"skipped"`  // no delivery attempted (e.g. preferences disabled)
	PushAttempted int           `json:"push_attempted"`
	PushDelivered int           `json:"push_delivered"`
	PushPruned    int           `json:"push_pruned"`
	EmailsSent    int           `json:"emails_sent"`
	Errors        []string      `json:"errors,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Status is the scheduler's lifecycle snapshot.
type Status struct {
	State     State      `json:"state"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Health is a liveness view: healthy means the scheduler is running, the
// last tick finished without a fatal error, and ticks are not stale.
type Health struct {
	Healthy      bool          `json:"healthy"`
	State        State         `json:"state"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	SinceLastRun time.Duration `json:"since_last_run,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// TickCallback fires after each completed tick (scheduled or manual).
type TickCallback func(TickReport)

// Scheduler drives the reminder pipeline. It is a process-wide singleton
// constructed once at startup; all lifecycle state lives on the instance.
type Scheduler struct {
	cfg        Config
	lessons    *store.LessonStore
	codec      *token.Codec
	dispatcher Dispatcher
	callback   TickCallback
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	ticking bool // single-flight guard shared by timer and manual checks
	lastRun time.Time
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// NewScheduler creates the reminder scheduler. callback may be nil.
func NewScheduler(cfg Config, lessons *store.LessonStore, codec *token.Codec, dispatcher Dispatcher, callback TickCallback, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		lessons:    lessons,
		codec:      codec,
		dispatcher: dispatcher,
		callback:   callback,
		logger:     logger,
		state:      StateStopped,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the tick loop. Calling Start while already running is a
// no-op; there is never more than one timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		s.logger.Debug("scheduler already running")
		return
	}
	s.state = StateRunning
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("reminder scheduler started", "interval", s.cfg.Interval, "lookahead", s.cfg.Lookahead)

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.runTick(ctx); err != nil && !errors.Is(err, ErrBusy) {
					s.logger.Error("scheduled tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop prevents future ticks and waits for the loop to exit. An in-flight
// tick is not cancelled; it runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = StateStopped
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("reminder scheduler stopped")
}

// ManualCheck runs the tick logic outside the timer. It shares the
// single-flight guard with scheduled ticks: if one is in progress the call
// is rejected with ErrBusy.
func (s *Scheduler) ManualCheck(ctx context.Context) (TickReport, error) {
	return s.runTick(ctx)
}

// Status returns the current lifecycle state and last-run timestamp.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Health reports whether the scheduler is live: running, last tick clean,
// and not stale (no tick for more than three intervals counts as stale).
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{State: s.state}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		h.LastRun = &t
		h.SinceLastRun = s.now().Sub(s.lastRun)
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}

	h.Healthy = s.state != StateStopped && s.lastErr == nil
	if h.Healthy && !s.lastRun.IsZero() && h.SinceLastRun > 3*s.cfg.Interval {
		h.Healthy = false
	}
	return h
}

func (s *Scheduler) runTick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return TickReport{}, ErrBusy
	}
	s.ticking = true
	if s.state == StateRunning {
		s.state = StateTicking
	}
	s.mu.Unlock()

	start := s.now()
	report := TickReport{RunID: uuid.NewString(), StartedAt: start}
	var tickErr error

	defer func() {
		report.Duration = s.now().Sub(start)
		metrics.TickDuration.Observe(report.Duration.Seconds())

		s.mu.Lock()
		s.ticking = false
		if s.state == StateTicking {
			s.state = StateRunning
		}
		s.lastRun = start
		s.lastErr = tickErr
		s.mu.Unlock()

		if s.callback != nil {
			s.callback(report)
		}
	}()

	candidates, err := s.lessons.ListDueForReminder(start, start.Add(s.cfg.Lookahead))
	if err != nil {
		tickErr = fmt.Errorf("select due lessons: %w", err)
		report.Errors = append(report.Errors, tickErr.Error())
		return report, tickErr
	}
	report.Candidates = len(candidates)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentCandidates)
	for i := range candidates {
		lesson := candidates[i]
		g.Go(func() error {
			s.remind(ctx, lesson, &report, &mu)
			return nil
		})
	}
	g.Wait()

	s.logger.Info("reminder tick complete",
		"run_id", report.RunID,
		"candidates", report.Candidates,
		"reminded", report.Reminded,
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	return report, nil
}

// remind handles one candidate lesson. Failures are contained: they are
// recorded on the report and never abort the rest of the tick.
func (s *Scheduler) remind(ctx context.Context, lesson model.Lesson, report *TickReport, mu *sync.Mutex) {
	tok, err := s.codec.Issue(lesson.ID, lesson.ClientID, lesson.CoachID, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("issue confirmation token", "lesson_id", lesson.ID, "error", err)
		mu.Lock()
		report.Errors = append(report.Errors, fmt.Sprintf("lesson %d: issue token: %v", lesson.ID, err))
		mu.Unlock()
		return
	}

	rep, err := s.dispatcher.Dispatch(ctx, lesson.ClientID, reminderMessage(s.cfg.BaseURL, lesson, tok))
	if err != nil {
		s.logger.Error("dispatch reminder", "lesson_id", lesson.ID, "client_id", lesson.ClientID, "error", err)
		mu.Lock()
		report.Errors = append(report.Errors, fmt.Sprintf("lesson %d: dispatch: %v", lesson.ID, err))
		mu.Unlock()
		return
	}

	mu.Lock()
	report.PushAttempted += rep.PushAttempted
	report.PushDelivered += rep.PushDelivered
	report.PushPruned += rep.PushPruned
	if rep.EmailSent {
		report.EmailsSent++
	}
	if rep.Err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("lesson %d: %v", lesson.ID, rep.Err))
	}
	mu.Unlock()

	// The marker is only written once something was actually attempted, so a
	// user with no reachable channels is picked up again next tick.
	if rep.Attempted() == 0 {
		mu.Lock()
		report.Skipped++
		mu.Unlock()
		return
	}

	if err := s.lessons.MarkReminderSent(lesson.ID, s.now()); err != nil {
		s.logger.Error("mark reminder sent", "lesson_id", lesson.ID, "error", err)
		mu.Lock()
		report.Errors = append(report.Errors, fmt.Sprintf("lesson %d: mark sent: %v", lesson.ID, err))
		mu.Unlock()
		return
	}

	metrics.RemindersSent.Inc()
	mu.Lock()
	report.Reminded++
	mu.Unlock()
	s.logger.Info("lesson reminder sent", "lesson_id", lesson.ID, "client_id", lesson.ClientID,
		"push_delivered", rep.PushDelivered, "email_sent", rep.EmailSent)
}

func reminderMessage(baseURL string, lesson model.Lesson, tok string) notify.Message {
	acceptURL := fmt.Sprintf("%s/lesson/confirm/%s/accept", baseURL, tok)
	declineURL := fmt.Sprintf("%s/lesson/confirm/%s/decline", baseURL, tok)
	when := lesson.StartTime.Format("Mon, Jan 2 at 3:04 PM")

	return notify.Message{
		Type: model.NotifTypeLessonReminder,
		Push: push.Payload{
			Title: "Upcoming lesson",
			Body:  fmt.Sprintf("Your lesson starts %s. Tap to confirm.", when),
			URL:   "/schedule",
			Tag:   fmt.Sprintf("lesson-%d", lesson.ID),
		},
		Email: &notify.Email{
			Subject: "Please confirm your upcoming lesson",
			HTMLBody: fmt.Sprintf(
				`<p>Your lesson starts %s.</p><p><a href="%s">Accept</a> &nbsp;|&nbsp; <a href="%s">Decline</a></p><p>These links expire; if they stop working, manage the lesson in the app.</p>`,
				when, acceptURL, declineURL,
			),
			TextBody: fmt.Sprintf(
				"Your lesson starts %s.\n\nAccept: %s\nDecline: %s\n",
				when, acceptURL, declineURL,
			),
		},
	}
}
