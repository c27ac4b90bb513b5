package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// UpsertTwin points the user's twin at a model.
func (s *Store) UpsertTwin(t *Twin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO twins (user_id, model_id, status, training_job_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			model_id = excluded.model_id,
			status = excluded.status,
			training_job_id = excluded.training_job_id,
			updated_at = excluded.updated_at`,
		t.UserID, t.ModelID, t.Status, t.TrainingJobID, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert twin: %w", err)
	}
	return nil
}

// GetTwin returns the user's twin pointer, or NotFound.
func (s *Store) GetTwin(userID string) (*Twin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Twin
	var jobID sql.NullString
	err := s.db.QueryRow(`
		SELECT user_id, model_id, status, training_job_id, updated_at
		FROM twins WHERE user_id = ?`, userID).
		Scan(&t.UserID, &t.ModelID, &t.Status, &jobID, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "no twin for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load twin: %w", err)
	}
	t.TrainingJobID = jobID.String
	return &t, nil
}
