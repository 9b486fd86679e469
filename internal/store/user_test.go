package store

import (
	"testing"

	"github.com/courtsideapp/courtside/internal/database"
	"github.com/courtsideapp/courtside/internal/model"
)

func TestUserCreateAndGet(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	us := NewUserStore(db)

	u, err := us.Create("coach@example.com", "Sam Coach", model.RoleCoach)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.ID == 0 {
		t.Error("expected non-zero ID")
	}

	got, err := us.GetByID(u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != "coach@example.com" {
		t.Errorf("email = %q, want %q", got.Email, "coach@example.com")
	}
	if got.Role != model.RoleCoach {
		t.Errorf("role = %q, want %q", got.Role, model.RoleCoach)
	}

	missing, err := us.GetByID(9999)
	if err != nil {
		t.Fatalf("get missing user: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}
