package model

import "time"

type Workout struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id"`
	Title     string    `json:"title"`
	DueDate   string    `json:"due_date"` // YYYY-MM-DD
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}
