package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// Maturity domain names, fixed across the system.
const (
	DomainWorldview = "worldview"
	DomainValues    = "values"
	DomainModels    = "models"
	DomainIdentity  = "identity"
	DomainShadows   = "shadows"
)

// Domains lists the five fixed maturity domains in canonical order.
func Domains() []string {
	return []string{DomainWorldview, DomainValues, DomainModels, DomainIdentity, DomainShadows}
}

// UpsertMaturity replaces the maturity record unconditionally.
func (s *Store) UpsertMaturity(m *MaturityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO maturity_records
			(user_id, overall_score, score_worldview, score_values, score_models,
			 score_identity, score_shadows, training_pair_count, evaluation_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			overall_score = excluded.overall_score,
			score_worldview = excluded.score_worldview,
			score_values = excluded.score_values,
			score_models = excluded.score_models,
			score_identity = excluded.score_identity,
			score_shadows = excluded.score_shadows,
			training_pair_count = excluded.training_pair_count,
			evaluation_count = excluded.evaluation_count,
			updated_at = excluded.updated_at`,
		m.UserID, m.OverallScore,
		m.DomainScores[DomainWorldview], m.DomainScores[DomainValues],
		m.DomainScores[DomainModels], m.DomainScores[DomainIdentity],
		m.DomainScores[DomainShadows],
		m.TrainingPairCount, m.EvaluationCount, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert maturity record: %w", err)
	}
	return nil
}

// GetMaturity returns the cached maturity record, or NotFound.
func (s *Store) GetMaturity(userID string) (*MaturityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT user_id, overall_score, score_worldview, score_values, score_models,
		       score_identity, score_shadows, training_pair_count, evaluation_count, updated_at
		FROM maturity_records WHERE user_id = ?`, userID)

	var m MaturityRecord
	m.DomainScores = make(map[string]float64, 5)
	var worldview, values, models, identity, shadows float64
	err := row.Scan(&m.UserID, &m.OverallScore, &worldview, &values, &models,
		&identity, &shadows, &m.TrainingPairCount, &m.EvaluationCount, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "no maturity record for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load maturity record: %w", err)
	}
	m.DomainScores[DomainWorldview] = worldview
	m.DomainScores[DomainValues] = values
	m.DomainScores[DomainModels] = models
	m.DomainScores[DomainIdentity] = identity
	m.DomainScores[DomainShadows] = shadows
	return &m, nil
}

// CountEvaluations counts all evaluations for a user.
func (s *Store) CountEvaluations(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count evaluations: %w", err)
	}
	return n, nil
}
