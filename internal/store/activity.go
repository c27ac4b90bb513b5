package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendActivity writes one row to the append-only activity log. Failures
// here are reported but must never abort the operation being recorded.
func (s *Store) AppendActivity(userID, eventType, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO activity_log (user_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, eventType, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// RecentActivity returns the most recent activity records, newest first.
func (s *Store) RecentActivity(userID string, limit int) ([]ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, event_type, detail, created_at
		FROM activity_log WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var r ActivityRecord
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.EventType, &detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSettings returns the user's settings, defaulting to an active user on
// the standard profile when no row exists.
func (s *Store) GetSettings(userID string) (*UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var us UserSettings
	err := s.db.QueryRow(`
		SELECT user_id, agents_paused, training_profile
		FROM user_settings WHERE user_id = ?`, userID).
		Scan(&us.UserID, &us.AgentsPaused, &us.TrainingProfile)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserSettings{UserID: userID, TrainingProfile: "standard"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &us, nil
}

// UpsertSettings writes the user's settings row.
func (s *Store) UpsertSettings(us *UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO user_settings (user_id, agents_paused, training_profile, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			agents_paused = excluded.agents_paused,
			training_profile = excluded.training_profile,
			updated_at = CURRENT_TIMESTAMP`,
		us.UserID, us.AgentsPaused, us.TrainingProfile)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

// ListUserIDs returns up to limit known user ids. A user is known once any
// settings row exists for it.
func (s *Store) ListUserIDs(limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id FROM user_settings ORDER BY user_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
