package store

import (
	"database/sql"
	"fmt"

	"github.com/courtsideapp/courtside/internal/model"
)

type WorkoutStore struct {
	db *sql.DB
}

func NewWorkoutStore(db *sql.DB) *WorkoutStore {
	return &WorkoutStore{db: db}
}

func (s *WorkoutStore) Create(clientID int64, title, dueDate string) (*model.Workout, error) {
	result, err := s.db.Exec(
		`INSERT INTO workouts (client_id, title, due_date) VALUES (?, ?, ?)`,
		clientID, title, dueDate,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workout: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	var w model.Workout
	var completedInt int
	err = s.db.QueryRow(
		`SELECT id, client_id, title, due_date, completed, created_at FROM workouts WHERE id = ?`, id,
	).Scan(&w.ID, &w.ClientID, &w.Title, &w.DueDate, &completedInt, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get workout: %w", err)
	}
	w.Completed = completedInt != 0
	return &w, nil
}

func (s *WorkoutStore) Complete(id int64) error {
	_, err := s.db.Exec(`UPDATE workouts SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete workout: %w", err)
	}
	return nil
}

// ListDueOn returns incomplete workouts due on a calendar day (YYYY-MM-DD).
func (s *WorkoutStore) ListDueOn(date string) ([]model.Workout, error) {
	rows, err := s.db.Query(
		`SELECT id, client_id, title, due_date, completed, created_at
		 FROM workouts WHERE due_date = ? AND completed = 0 ORDER BY client_id, id`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("list workouts due: %w", err)
	}
	defer rows.Close()

	var workouts []model.Workout
	for rows.Next() {
		var w model.Workout
		var completedInt int
		if err := rows.Scan(&w.ID, &w.ClientID, &w.Title, &w.DueDate, &completedInt, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workout: %w", err)
		}
		w.Completed = completedInt != 0
		workouts = append(workouts, w)
	}
	return workouts, rows.Err()
}
