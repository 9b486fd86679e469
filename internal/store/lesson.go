package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/courtsideapp/courtside/internal/model"
)

type LessonStore struct {
	db *sql.DB
}

func NewLessonStore(db *sql.DB) *LessonStore {
	return &LessonStore{db: db}
}

const lessonCols = `id, coach_id, client_id, start_time, status, reminder_sent_at, created_at, updated_at`

func scanLesson(scanner interface{ Scan(...any) error }) (*model.Lesson, error) {
	var l model.Lesson
	var reminderSentAt sql.NullTime

	err := scanner.Scan(
		&l.ID, &l.CoachID, &l.ClientID, &l.StartTime, &l.Status,
		&reminderSentAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reminderSentAt.Valid {
		l.ReminderSentAt = &reminderSentAt.Time
	}
	return &l, nil
}

func (s *LessonStore) Create(coachID, clientID int64, startTime time.Time) (*model.Lesson, error) {
	result, err := s.db.Exec(
		`INSERT INTO lessons (coach_id, client_id, start_time) VALUES (?, ?, ?)`,
		coachID, clientID, startTime.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert lesson: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *LessonStore) GetByID(id int64) (*model.Lesson, error) {
	row := s.db.QueryRow(`SELECT `+lessonCols+` FROM lessons WHERE id = ?`, id)
	l, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	return l, nil
}

// ListDueForReminder returns lessons starting within (now, until] whose
// reminder marker is unset. Ordering is not significant; each candidate is
// processed independently by the scheduler.
func (s *LessonStore) ListDueForReminder(now, until time.Time) ([]model.Lesson, error) {
	rows, err := s.db.Query(
		`SELECT `+lessonCols+` FROM lessons
		 WHERE start_time > ? AND start_time <= ? AND reminder_sent_at IS NULL`,
		now.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list lessons due for reminder: %w", err)
	}
	defer rows.Close()
	return scanLessons(rows)
}

// MarkReminderSent sets the reminder marker. The marker is a best-effort
// idempotency record, not a lock: the WHERE clause keeps the first write.
func (s *LessonStore) MarkReminderSent(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE lessons SET reminder_sent_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND reminder_sent_at IS NULL`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// Confirm advances the lesson to confirmed. Re-confirming is a no-op; a
// confirmed lesson never reverts to pending.
func (s *LessonStore) Confirm(id int64) error {
	_, err := s.db.Exec(
		`UPDATE lessons SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status != ?`,
		model.LessonStatusConfirmed, id, model.LessonStatusConfirmed,
	)
	if err != nil {
		return fmt.Errorf("confirm lesson: %w", err)
	}
	return nil
}

// Delete removes the lesson row. Declined lessons are deleted outright,
// freeing the schedule slot.
func (s *LessonStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM lessons WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete lesson: %w", err)
	}
	return nil
}

// ListForCoachOnDate returns a coach's lessons on a UTC calendar day
// (YYYY-MM-DD), ordered by start time. Used by the daily digest.
func (s *LessonStore) ListForCoachOnDate(coachID int64, date string) ([]model.Lesson, error) {
	rows, err := s.db.Query(
		`SELECT `+lessonCols+` FROM lessons
		 WHERE coach_id = ? AND date(start_time) = ? ORDER BY start_time`,
		coachID, date,
	)
	if err != nil {
		return nil, fmt.Errorf("list lessons for coach on date: %w", err)
	}
	defer rows.Close()
	return scanLessons(rows)
}

// ListCoachIDsOnDate returns distinct coach IDs with lessons on a UTC
// calendar day.
func (s *LessonStore) ListCoachIDsOnDate(date string) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT coach_id FROM lessons WHERE date(start_time) = ?`, date,
	)
	if err != nil {
		return nil, fmt.Errorf("list coach ids on date: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan coach id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanLessons(rows *sql.Rows) ([]model.Lesson, error) {
	var lessons []model.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}
