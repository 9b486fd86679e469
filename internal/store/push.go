package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/courtsideapp/courtside/internal/model"
)

type PushStore struct {
	db *sql.DB
}

func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

const subscriptionCols = `id, user_id, endpoint, p256dh_key, auth_key, device_name, created_at`

func (s *PushStore) CreateSubscription(userID int64, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error) {
	result, err := s.db.Exec(
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, device_name)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh_key = excluded.p256dh_key, auth_key = excluded.auth_key, device_name = excluded.device_name`,
		userID, endpoint, p256dh, auth, deviceName,
	)
	if err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}
	id, _ := result.LastInsertId()

	// LastInsertId may be 0 on conflict update; re-query by endpoint
	if id == 0 {
		return s.GetByEndpoint(endpoint)
	}

	var sub model.PushSubscription
	err = s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get push subscription: %w", err)
	}
	return &sub, nil
}

func (s *PushStore) GetByEndpoint(endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE endpoint = ?`, endpoint,
	).Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return &sub, nil
}

func (s *PushStore) ListByUser(userID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteByEndpoint prunes a subscription regardless of owner. Used when the
// push service reports the endpoint permanently gone.
func (s *PushStore) DeleteByEndpoint(endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

// DeleteForUser removes a subscription only if it belongs to the given user.
// Backs the unsubscribe API, which must not touch other users' records.
func (s *PushStore) DeleteForUser(userID int64, endpoint string) error {
	_, err := s.db.Exec(
		`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`,
		userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("delete push subscription for user: %w", err)
	}
	return nil
}

// GetPreferences returns notification preferences for a user.
func (s *PushStore) GetPreferences(userID int64) ([]model.NotificationPreference, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, notification_type, enabled, created_at, updated_at
		 FROM notification_preferences WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get notification preferences: %w", err)
	}
	defer rows.Close()

	var prefs []model.NotificationPreference
	for rows.Next() {
		var p model.NotificationPreference
		var enabledInt int
		if err := rows.Scan(&p.ID, &p.UserID, &p.NotificationType, &enabledInt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification preference: %w", err)
		}
		p.Enabled = enabledInt != 0
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// SetPreference upserts a notification preference.
func (s *PushStore) SetPreference(userID int64, notifType string, enabled bool) error {
	var enabledInt int
	if enabled {
		enabledInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO notification_preferences (user_id, notification_type, enabled)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, notification_type) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP`,
		userID, notifType, enabledInt,
	)
	if err != nil {
		return fmt.Errorf("set notification preference: %w", err)
	}
	return nil
}

// IsPreferenceEnabled checks if a specific notification type is enabled for a user.
// Returns true by default if no preference record exists.
func (s *PushStore) IsPreferenceEnabled(userID int64, notifType string) (bool, error) {
	var enabledInt int
	err := s.db.QueryRow(
		`SELECT enabled FROM notification_preferences WHERE user_id = ? AND notification_type = ?`,
		userID, notifType,
	).Scan(&enabledInt)
	if err == sql.ErrNoRows {
		return true, nil // default enabled
	}
	if err != nil {
		return false, fmt.Errorf("check notification preference: %w", err)
	}
	return enabledInt != 0, nil
}

// RecordSent records that a batch notification was dispatched (for per-day dedup).
func (s *PushStore) RecordSent(userID int64, notifType, refID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sent_notifications (user_id, notification_type, reference_id)
		 VALUES (?, ?, ?)`,
		userID, notifType, refID,
	)
	if err != nil {
		return fmt.Errorf("record sent notification: %w", err)
	}
	return nil
}

// WasSent checks if a batch notification was already dispatched.
func (s *PushStore) WasSent(userID int64, notifType, refID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sent_notifications
		 WHERE user_id = ? AND notification_type = ? AND reference_id = ?`,
		userID, notifType, refID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check sent notification: %w", err)
	}
	return count > 0, nil
}

// CleanupSent deletes sent_notifications older than the given time.
func (s *PushStore) CleanupSent(before time.Time) error {
	_, err := s.db.Exec(`DELETE FROM sent_notifications WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("cleanup sent notifications: %w", err)
	}
	return nil
}
