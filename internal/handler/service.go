package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/courtsideapp/courtside/internal/reminder"
)

// ServiceHandler is the ops control surface for the reminder scheduler and
// the daily batch jobs.
type ServiceHandler struct {
	// baseCtx outlives any request: Start spawns the scheduler loop, which
	// must not die when the triggering request's context is cancelled.
	baseCtx context.Context
	sched   *reminder.Scheduler
	digests *reminder.Digests
	logger  *slog.Logger
}

func NewServiceHandler(baseCtx context.Context, sched *reminder.Scheduler, digests *reminder.Digests, logger *slog.Logger) *ServiceHandler {
	return &ServiceHandler{baseCtx: baseCtx, sched: sched, digests: digests, logger: logger}
}

// StartReminders handles POST /api/service/reminders/start. Idempotent:
// starting a running scheduler changes nothing.
func (h *ServiceHandler) StartReminders(w http.ResponseWriter, r *http.Request) {
	h.sched.Start(h.baseCtx)
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// CheckReminders handles POST /api/service/reminders/check. Runs the tick
// logic once, outside the timer; 409 when a tick is already in flight.
func (h *ServiceHandler) CheckReminders(w http.ResponseWriter, r *http.Request) {
	report, err := h.sched.ManualCheck(r.Context())
	if errors.Is(err, reminder.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("manual reminder check", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RemindersStatus handles GET /api/service/reminders/status
func (h *ServiceHandler) RemindersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// RemindersHealth handles GET /api/service/reminders/health. 503 when the
// scheduler is stopped, failing, or stale, so probes can alert on it.
func (h *ServiceHandler) RemindersHealth(w http.ResponseWriter, r *http.Request) {
	health := h.sched.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// RunDigest handles POST /api/service/digests/{job}/run. An optional
// ?date=YYYY-MM-DD reruns a past day; the per-day markers still apply.
func (h *ServiceHandler) RunDigest(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	var (
		report reminder.JobReport
		err    error
	)
	switch job := r.PathValue("job"); job {
	case "daily-digest":
		report, err = h.digests.RunDailyDigest(r.Context(), date)
	case "workout-reminder":
		report, err = h.digests.RunWorkoutReminders(r.Context(), date)
	default:
		writeError(w, http.StatusNotFound, "unknown job: "+job)
		return
	}
	if err != nil {
		h.logger.Error("run batch job", "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
