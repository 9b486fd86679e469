package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/courtsideapp/courtside/internal/auth"
	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/notify"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/store"
)

// dispatcher abstracts the notification fan-out for tests.
type dispatcher interface {
	Dispatch(ctx context.Context, userID int64, msg notify.Message) (notify.Report, error)
}

type PushHandler struct {
	pushStore  *store.PushStore
	service    *push.Service
	dispatcher dispatcher
	logger     *slog.Logger
}

func NewPushHandler(ps *store.PushStore, svc *push.Service, d dispatcher, logger *slog.Logger) *PushHandler {
	return &PushHandler{pushStore: ps, service: svc, dispatcher: d, logger: logger}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	sub, err := h.pushStore.CreateSubscription(userID, req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe handles POST /api/push/unsubscribe. Scoped to the caller's own
// records; unsubscribing an endpoint you do not own is a silent no-op.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if err := h.pushStore.DeleteForUser(userID, req.Endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.pushStore.ListByUser(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}

// GetPreferences handles GET /api/push/preferences
func (h *PushHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.pushStore.GetPreferences(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get preferences")
		return
	}
	if prefs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type updatePreferencesRequest struct {
	Preferences []prefItem `json:"preferences"`
}

type prefItem struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// UpdatePreferences handles PUT /api/push/preferences
func (h *PushHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	for _, p := range req.Preferences {
		if err := h.pushStore.SetPreference(userID, p.Type, p.Enabled); err != nil {
			h.logger.Error("set push preference", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update preferences")
			return
		}
	}

	prefs, _ := h.pushStore.GetPreferences(userID)
	writeJSON(w, http.StatusOK, prefs)
}

// TestNotification handles POST /api/push/test
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	subs, err := h.pushStore.ListByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	payload := push.Payload{
		Title: "Test Notification",
		Body:  "Push notifications are working!",
		URL:   "/settings",
		Tag:   "test",
	}

	sent := 0
	for _, sub := range subs {
		if err := h.service.Send(&sub, payload); err != nil {
			h.logger.Error("test push send", "error", err)
			continue
		}
		sent++
	}

	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

type sendRequest struct {
	UserID int64  `json:"user_id"` // defaults to the caller
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Send handles POST /api/push/send. Goes through the dispatcher, so the
// target's preferences and dead-endpoint pruning apply. Targeting another
// user requires the coach role.
func (h *PushHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	target := req.UserID
	if target == 0 {
		target = userID
	}
	if target != userID && !auth.IsCoach(r.Context()) {
		writeError(w, http.StatusForbidden, "only coaches can notify other users")
		return
	}

	report, err := h.dispatcher.Dispatch(r.Context(), target, notify.Message{
		Type: model.NotifTypeMessage,
		Push: push.Payload{Title: req.Title, Body: req.Body, URL: req.URL, Tag: "message"},
	})
	if err != nil {
		h.logger.Error("send push message", "target", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send notification")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
