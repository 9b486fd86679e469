package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/courtsideapp/courtside/internal/database"
	"github.com/courtsideapp/courtside/internal/email"
	"github.com/courtsideapp/courtside/internal/logging"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/server"
	"github.com/courtsideapp/courtside/internal/token"
)

func main() {
	logger := logging.Setup(os.Getenv("COURTSIDE_LOG_LEVEL"), os.Getenv("COURTSIDE_LOG_FORMAT"))

	port := envOr("COURTSIDE_PORT", "8080")
	dbPath := envOr("COURTSIDE_DB_PATH", "courtside.db")
	baseURL := envOr("COURTSIDE_BASE_URL", "http://localhost:"+port)

	codec, err := token.NewCodec(os.Getenv("COURTSIDE_TOKEN_SECRET"))
	if err != nil {
		logger.Error("COURTSIDE_TOKEN_SECRET misconfigured", "error", err)
		os.Exit(1)
	}

	vapidPublic := os.Getenv("COURTSIDE_VAPID_PUBLIC_KEY")
	vapidPrivate := os.Getenv("COURTSIDE_VAPID_PRIVATE_KEY")
	if vapidPublic == "" || vapidPrivate == "" {
		logger.Error("COURTSIDE_VAPID_PUBLIC_KEY and COURTSIDE_VAPID_PRIVATE_KEY are required; generate a pair with webpush-go")
		os.Exit(1)
	}
	pushSvc := push.NewService(vapidPublic, vapidPrivate)

	// Email is optional: without a Postmark token the dispatcher simply
	// skips the email channel.
	emailClient := email.NewClient(
		os.Getenv("COURTSIDE_POSTMARK_TOKEN"),
		envOr("COURTSIDE_FROM_EMAIL", "noreply@courtside.app"),
	)
	if !emailClient.Configured() {
		logger.Warn("postmark not configured, reminders are push-only")
	}

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(ctx, db, codec, pushSvc, emailClient, server.Config{
		BaseURL:          baseURL,
		ReminderInterval: envDuration("COURTSIDE_REMINDER_INTERVAL", 0),
		Lookahead:        envDuration("COURTSIDE_LOOKAHEAD", 0),
		TokenTTL:         envDuration("COURTSIDE_TOKEN_TTL", 0),
		DigestHour:       envInt("COURTSIDE_DIGEST_HOUR", 7),
	}, logger)

	srv.Scheduler().Start(ctx)
	srv.Digests().Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("courtside listening", "addr", httpServer.Addr, "base_url", baseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	srv.Scheduler().Stop()
	srv.Digests().Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
