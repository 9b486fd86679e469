package model

import "time"

// Lesson confirmation statuses. Status only moves forward: a confirmed
// lesson never returns to pending, and declined lessons are removed.
const (
	LessonStatusPending   = "pending"
	LessonStatusConfirmed = "confirmed"
	LessonStatusDeclined  = "declined"
)

type Lesson struct {
	ID             int64      `json:"id"`
	CoachID        int64      `json:"coach_id"`
	ClientID       int64      `json:"client_id"`
	StartTime      time.Time  `json:"start_time"`
	Status         string     `json:"status"`
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
