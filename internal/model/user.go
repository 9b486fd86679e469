package model

import "time"

// User roles
const (
	RoleCoach  = "coach"
	RoleClient = "client"
)

// User is the local projection of an identity-provider account. The
// identity proxy authenticates requests; this row supplies the email
// address and role for notification delivery and ops gating.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
