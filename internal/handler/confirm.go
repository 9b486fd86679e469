package handler

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/courtsideapp/courtside/internal/store"
	"github.com/courtsideapp/courtside/internal/token"
)

// The confirmation pages are self-contained: they are opened from email
// links, often without an app session, so they carry no app chrome.
const confirmPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} — Courtside</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; color: #1f2937; }
h1 { font-size: 1.4rem; }
p { line-height: 1.5; color: #4b5563; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>`

type confirmPage struct {
	Title   string
	Message string
}

type ConfirmHandler struct {
	codec   *token.Codec
	lessons *store.LessonStore
	logger  *slog.Logger
	tmpl    *template.Template
}

func NewConfirmHandler(codec *token.Codec, lessons *store.LessonStore, logger *slog.Logger) *ConfirmHandler {
	return &ConfirmHandler{
		codec:   codec,
		lessons: lessons,
		logger:  logger,
		tmpl:    template.Must(template.New("confirm").Parse(confirmPageHTML)),
	}
}

// Accept handles GET /lesson/confirm/{token}/accept
func (h *ConfirmHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "accept")
}

// Decline handles GET /lesson/confirm/{token}/decline
func (h *ConfirmHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "decline")
}

func (h *ConfirmHandler) confirm(w http.ResponseWriter, r *http.Request, action string) {
	claims, err := h.codec.Verify(r.PathValue("token"))
	if err != nil {
		// Invalid and expired tokens never touch lesson state.
		if errors.Is(err, token.ErrExpired) {
			h.render(w, http.StatusNotFound, confirmPage{
				Title:   "Link expired",
				Message: "This confirmation link has expired. Please manage the lesson from the app.",
			})
			return
		}
		h.render(w, http.StatusNotFound, confirmPage{
			Title:   "Link not valid",
			Message: "This confirmation link is not valid.",
		})
		return
	}

	lesson, err := h.lessons.GetByID(claims.LessonID)
	if err != nil {
		h.logger.Error("load lesson for confirmation", "lesson_id", claims.LessonID, "error", err)
		h.render(w, http.StatusInternalServerError, confirmPage{
			Title:   "Something went wrong",
			Message: "We could not process your response. Please try again shortly.",
		})
		return
	}
	// Already declined (row deleted) or otherwise gone: repeat clicks land here.
	if lesson == nil {
		h.render(w, http.StatusNotFound, confirmPage{
			Title:   "Lesson not found",
			Message: "This lesson is no longer on the schedule.",
		})
		return
	}
	// A token is only good for the exact lesson it was issued against.
	if lesson.ClientID != claims.ClientID || lesson.CoachID != claims.CoachID {
		h.render(w, http.StatusNotFound, confirmPage{
			Title:   "Link not valid",
			Message: "This confirmation link is not valid.",
		})
		return
	}

	switch action {
	case "accept":
		if err := h.lessons.Confirm(lesson.ID); err != nil {
			h.logger.Error("confirm lesson", "lesson_id", lesson.ID, "error", err)
			h.render(w, http.StatusInternalServerError, confirmPage{
				Title:   "Something went wrong",
				Message: "We could not confirm your lesson. Please try again shortly.",
			})
			return
		}
		h.logger.Info("lesson confirmed", "lesson_id", lesson.ID, "client_id", lesson.ClientID,
			"was_status", lesson.Status)
		h.render(w, http.StatusOK, confirmPage{
			Title:   "Lesson confirmed",
			Message: "You're all set. Your lesson on " + lesson.StartTime.Format("Mon, Jan 2 at 3:04 PM") + " is confirmed.",
		})

	case "decline":
		if err := h.lessons.Delete(lesson.ID); err != nil {
			h.logger.Error("decline lesson", "lesson_id", lesson.ID, "error", err)
			h.render(w, http.StatusInternalServerError, confirmPage{
				Title:   "Something went wrong",
				Message: "We could not cancel your lesson. Please try again shortly.",
			})
			return
		}
		h.logger.Info("lesson declined", "lesson_id", lesson.ID, "client_id", lesson.ClientID,
			"was_status", lesson.Status)
		h.render(w, http.StatusOK, confirmPage{
			Title:   "Lesson declined",
			Message: "Your lesson has been cancelled. Your coach has the slot back.",
		})
	}
}

func (h *ConfirmHandler) render(w http.ResponseWriter, status int, page confirmPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.tmpl.Execute(w, page); err != nil {
		h.logger.Error("render confirmation page", "error", err)
	}
}
