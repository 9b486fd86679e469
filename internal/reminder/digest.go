package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/store"
)

// How long per-day dispatch markers are kept before cleanup.
const markerRetention = 30 * 24 * time.Hour

// JobReport aggregates one batch job run.
type JobReport struct {
	Job         string `json:"job"`
	Date        string `json:"date"`
	Recipients  int    `json:"recipients"`
	Notified    int    `json:"notified"`
	AlreadySent int    `json:"already_sent"`
	Skipped     int    `json:"skipped"`
	Failures    int    `json:"failures"`
}

// JobCallback fires after each batch job run.
type JobCallback func(JobReport)

// batchItem is one recipient of a batch job.
type batchItem struct {
	userID int64
	msg    notify.Message
}

// batchJob is the generalized shape of a daily pass: build the day's
// recipient set, then dispatch to each, deduplicated per calendar day.
type batchJob struct {
	name  string
	build func(date string) ([]batchItem, error)
}

// Digests runs the daily batch jobs: the coach digest and the client
// workout reminder. Both reuse the notification dispatcher and are
// idempotent per calendar day via date-keyed dispatch markers.
type Digests struct {
	lessons    *store.LessonStore
	workouts   *store.WorkoutStore
	marks      *store.PushStore
	dispatcher Dispatcher
	callback   JobCallback
	logger     *slog.Logger
	runHour    int // UTC hour the daily pass fires

	// Serializes job runs so a manual trigger overlapping the daily timer
	// cannot race the per-day markers; the later caller simply waits.
	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewDigests creates the batch job runner. callback may be nil.
func NewDigests(lessons *store.LessonStore, workouts *store.WorkoutStore, marks *store.PushStore, dispatcher Dispatcher, runHour int, callback JobCallback, logger *slog.Logger) *Digests {
	return &Digests{
		lessons:    lessons,
		workouts:   workouts,
		marks:      marks,
		dispatcher: dispatcher,
		callback:   callback,
		logger:     logger,
		runHour:    runHour,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the daily schedule loop.
func (d *Digests) Start(ctx context.Context) {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.checkSchedule(ctx)
			}
		}
	}()
}

// Stop gracefully stops the schedule loop.
func (d *Digests) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	d.mu.Lock()
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()
}

func (d *Digests) checkSchedule(ctx context.Context) {
	now := d.now()
	if now.Hour() != d.runHour || now.Minute() != 0 {
		return
	}

	date := now.Format("2006-01-02")
	if _, err := d.RunDailyDigest(ctx, date); err != nil {
		d.logger.Error("daily digest failed", "date", date, "error", err)
	}
	if _, err := d.RunWorkoutReminders(ctx, date); err != nil {
		d.logger.Error("workout reminders failed", "date", date, "error", err)
	}
	if err := d.marks.CleanupSent(now.Add(-markerRetention)); err != nil {
		d.logger.Error("cleanup dispatch markers", "error", err)
	}
}

// RunDailyDigest sends each coach a summary of their lessons on the given
// day (YYYY-MM-DD). Safe to invoke repeatedly: coaches already notified for
// that day are skipped.
func (d *Digests) RunDailyDigest(ctx context.Context, date string) (JobReport, error) {
	return d.runJob(ctx, date, batchJob{
		name:  "daily_digest",
		build: func(date string) ([]batchItem, error) { return d.buildDigestItems(date) },
	})
}

// RunWorkoutReminders notifies each client with incomplete workouts due on
// the given day. Idempotent per day, like RunDailyDigest.
func (d *Digests) RunWorkoutReminders(ctx context.Context, date string) (JobReport, error) {
	return d.runJob(ctx, date, batchJob{
		name:  "workout_reminder",
		build: func(date string) ([]batchItem, error) { return d.buildWorkoutItems(date) },
	})
}

func (d *Digests) runJob(ctx context.Context, date string, job batchJob) (JobReport, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	report := JobReport{Job: job.name, Date: date}
	defer func() {
		if d.callback != nil {
			d.callback(report)
		}
	}()

	items, err := job.build(date)
	if err != nil {
		return report, fmt.Errorf("%s: build recipients: %w", job.name, err)
	}
	report.Recipients = len(items)
	refID := fmt.Sprintf("%s-%s", job.name, date)

	for _, item := range items {
		sent, err := d.marks.WasSent(item.userID, item.msg.Type, refID)
		if err != nil {
			report.Failures++
			d.logger.Error("check dispatch marker", "job", job.name, "user_id", item.userID, "error", err)
			continue
		}
		if sent {
			report.AlreadySent++
			continue
		}

		rep, err := d.dispatcher.Dispatch(ctx, item.userID, item.msg)
		if err != nil {
			report.Failures++
			d.logger.Error("dispatch batch notification", "job", job.name, "user_id", item.userID, "error", err)
			continue
		}
		if rep.Attempted() == 0 {
			report.Skipped++
			continue
		}

		if err := d.marks.RecordSent(item.userID, item.msg.Type, refID); err != nil {
			report.Failures++
			d.logger.Error("record dispatch marker", "job", job.name, "user_id", item.userID, "error", err)
			continue
		}
		report.Notified++
	}

	d.logger.Info("batch job complete", "job", job.name, "date", date,
		"recipients", report.Recipients, "notified", report.Notified,
		"already_sent", report.AlreadySent, "failures", report.Failures)
	return report, nil
}

func (d *Digests) buildDigestItems(date string) ([]batchItem, error) {
	coachIDs, err := d.lessons.ListCoachIDsOnDate(date)
	if err != nil {
		return nil, err
	}

	var items []batchItem
	for _, coachID := range coachIDs {
		lessons, err := d.lessons.ListForCoachOnDate(coachID, date)
		if err != nil {
			return nil, err
		}
		if len(lessons) == 0 {
			continue
		}

		body := fmt.Sprintf("You have %d lessons today, starting at %s.",
			len(lessons), lessons[0].StartTime.Format("3:04 PM"))
		if len(lessons) == 1 {
			body = fmt.Sprintf("You have one lesson today at %s.", lessons[0].StartTime.Format("3:04 PM"))
		}

		var lines string
		for _, l := range lessons {
			lines += fmt.Sprintf("<li>%s</li>", l.StartTime.Format("3:04 PM"))
		}

		items = append(items, batchItem{
			userID: coachID,
			msg: notify.Message{
				Type: model.NotifTypeDailyDigest,
				Push: push.Payload{
					Title: "Today's schedule",
					Body:  body,
					URL:   "/schedule",
					Tag:   "daily-digest",
				},
				Email: &notify.Email{
					Subject:  "Your lessons today",
					HTMLBody: fmt.Sprintf("<p>%s</p><ul>%s</ul>", body, lines),
					TextBody: body,
				},
			},
		})
	}
	return items, nil
}

func (d *Digests) buildWorkoutItems(date string) ([]batchItem, error) {
	workouts, err := d.workouts.ListDueOn(date)
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]int)
	first := make(map[int64]string)
	var order []int64
	for _, w := range workouts {
		if counts[w.ClientID] == 0 {
			order = append(order, w.ClientID)
			first[w.ClientID] = w.Title
		}
		counts[w.ClientID]++
	}

	var items []batchItem
	for _, clientID := range order {
		body := fmt.Sprintf("You have %d workouts scheduled today.", counts[clientID])
		if counts[clientID] == 1 {
			body = fmt.Sprintf("Workout due today: %s", first[clientID])
		}

		items = append(items, batchItem{
			userID: clientID,
			msg: notify.Message{
				Type: model.NotifTypeWorkoutReminder,
				Push: push.Payload{
					Title: "Workout reminder",
					Body:  body,
					URL:   "/workouts",
					Tag:   "workout-daily",
				},
			},
		})
	}
	return items, nil
}
