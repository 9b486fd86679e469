package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courtsideapp/courtside/internal/email"
	"github.com/courtsideapp/courtside/internal/handler"
	"github.com/courtsideapp/courtside/internal/middleware"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/reminder"
	"github.com/courtsideapp/courtside/internal/store"
	"github.com/courtsideapp/courtside/internal/token"
	ws "github.com/courtsideapp/courtside/internal/websocket"
)

// Config carries the server-level knobs; everything else is wired from it.
type Config struct {
	BaseURL          string        // public base URL for confirmation links
	ReminderInterval time.Duration // tick interval, zero for default
	Lookahead        time.Duration // reminder window, zero for default
	TokenTTL         time.Duration // confirmation token lifetime, zero for default
	DigestHour       int           // UTC hour the daily batch jobs fire
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	userStore   *store.UserStore
	pushStore   *store.PushStore
	scheduler   *reminder.Scheduler
	digests     *reminder.Digests
	confirmH    *handler.ConfirmHandler
	pushH       *handler.PushHandler
	serviceH    *handler.ServiceHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New wires the stores, the dispatcher, the scheduler and the batch jobs.
// baseCtx bounds the background loops; cancelling it stops them.
func New(baseCtx context.Context, db *sql.DB, codec *token.Codec, pushSvc *push.Service, emailClient *email.Client, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	lessonStore := store.NewLessonStore(db)
	workoutStore := store.NewWorkoutStore(db)
	pushStore := store.NewPushStore(db)

	dispatcher := notify.NewDispatcher(userStore, pushStore, pushSvc, emailClient,
		logger.With("component", "notify"))

	scheduler := reminder.NewScheduler(reminder.Config{
		Interval:  cfg.ReminderInterval,
		Lookahead: cfg.Lookahead,
		TokenTTL:  cfg.TokenTTL,
		BaseURL:   cfg.BaseURL,
	}, lessonStore, codec, dispatcher, func(r reminder.TickReport) {
		hub.Broadcast(ws.NewEvent("reminder_tick", r))
	}, logger.With("component", "reminder"))

	digests := reminder.NewDigests(lessonStore, workoutStore, pushStore, dispatcher,
		cfg.DigestHour, func(r reminder.JobReport) {
			hub.Broadcast(ws.NewEvent("batch_job", r))
		}, logger.With("component", "digest"))

	return &Server{
		db:          db,
		hub:         hub,
		userStore:   userStore,
		pushStore:   pushStore,
		scheduler:   scheduler,
		digests:     digests,
		confirmH:    handler.NewConfirmHandler(codec, lessonStore, logger.With("component", "confirm")),
		pushH:       handler.NewPushHandler(pushStore, pushSvc, dispatcher, logger.With("component", "push_handler")),
		serviceH:    handler.NewServiceHandler(baseCtx, scheduler, digests, logger.With("component", "service")),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Scheduler returns the reminder scheduler for lifecycle management.
func (s *Server) Scheduler() *reminder.Scheduler {
	return s.scheduler
}

// Digests returns the batch job runner for lifecycle management.
func (s *Server) Digests() *reminder.Digests {
	return s.digests
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes. Confirmation links arrive unauthenticated from email,
	// so they are rate-limited by client IP.
	outerMux.HandleFunc("GET /lesson/confirm/{token}/accept", s.rateLimitedHandler(s.confirmH.Accept))
	outerMux.HandleFunc("GET /lesson/confirm/{token}/decline", s.rateLimitedHandler(s.confirmH.Decline))
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())

	// Protected routes — wrapped with RequireUser middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireUser(s.userStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 30, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Push notification API routes
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("GET /api/push/preferences", s.pushH.GetPreferences)
	mux.HandleFunc("PUT /api/push/preferences", s.pushH.UpdatePreferences)
	mux.HandleFunc("POST /api/push/test", s.pushH.TestNotification)
	mux.HandleFunc("POST /api/push/send", s.pushH.Send)

	// Ops control surface — coach only
	mux.Handle("POST /api/service/reminders/start", middleware.RequireCoach(http.HandlerFunc(s.serviceH.StartReminders)))
	mux.Handle("POST /api/service/reminders/check", middleware.RequireCoach(http.HandlerFunc(s.serviceH.CheckReminders)))
	mux.Handle("GET /api/service/reminders/status", middleware.RequireCoach(http.HandlerFunc(s.serviceH.RemindersStatus)))
	mux.Handle("GET /api/service/reminders/health", middleware.RequireCoach(http.HandlerFunc(s.serviceH.RemindersHealth)))
	mux.Handle("POST /api/service/digests/{job}/run", middleware.RequireCoach(http.HandlerFunc(s.serviceH.RunDigest)))

	// WebSocket ops event stream
	mux.HandleFunc("GET /ws", ws.Handle(s.hub, s.logger.With("component", "websocket")))
}
