package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// InsertEvaluation stores one synthetic feedback item.
func (s *Store) InsertEvaluation(e *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.Routing.IsValid() {
		return errs.Newf(errs.Validation, "invalid routing %q", e.Routing)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO evaluations
			(id, user_id, prompt, generated_response, section,
			 values_alignment, model_usage, heuristic_following, style_match,
			 overall_confidence, routing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Prompt, e.GeneratedResponse, e.Section,
		e.Axes.ValuesAlignment, e.Axes.ModelUsage, e.Axes.HeuristicFollowing, e.Axes.StyleMatch,
		e.OverallConfidence, e.Routing, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// GetEvaluation returns one evaluation, or NotFound.
func (s *Store) GetEvaluation(userID, evaluationID string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, user_id, prompt, generated_response, section,
		       values_alignment, model_usage, heuristic_following, style_match,
		       overall_confidence, routing, author_verdict, review_comment,
		       created_at, reviewed_at
		FROM evaluations WHERE id = ? AND user_id = ?`, evaluationID, userID)
	return scanEvaluation(row)
}

func scanEvaluation(row *sql.Row) (*Evaluation, error) {
	var e Evaluation
	var verdict, comment sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(&e.ID, &e.UserID, &e.Prompt, &e.GeneratedResponse, &e.Section,
		&e.Axes.ValuesAlignment, &e.Axes.ModelUsage, &e.Axes.HeuristicFollowing, &e.Axes.StyleMatch,
		&e.OverallConfidence, &e.Routing, &verdict, &comment, &e.CreatedAt, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "evaluation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation: %w", err)
	}
	if verdict.Valid {
		v := Verdict(verdict.String)
		e.AuthorVerdict = &v
	}
	e.ReviewComment = comment.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		e.ReviewedAt = &t
	}
	return &e, nil
}

// SetVerdict records the author's verdict. A second submission overwrites
// the first. If editedResponse is non-empty the generated response is
// replaced (the edited verdict flow).
func (s *Store) SetVerdict(userID, evaluationID string, verdict Verdict, editedResponse, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !verdict.IsValid() {
		return errs.Newf(errs.Validation, "invalid verdict %q", verdict)
	}

	var res sql.Result
	var err error
	if editedResponse != "" {
		res, err = s.db.Exec(`
			UPDATE evaluations
			SET author_verdict = ?, review_comment = ?, generated_response = ?,
			    reviewed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND user_id = ?`,
			verdict, comment, editedResponse, evaluationID, userID)
	} else {
		res, err = s.db.Exec(`
			UPDATE evaluations
			SET author_verdict = ?, review_comment = ?, reviewed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND user_id = ?`,
			verdict, comment, evaluationID, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to set verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "evaluation %s not found for user %s", evaluationID, userID)
	}
	return nil
}

// CountPendingReviews counts unresolved author_review items for a user.
func (s *Store) CountPendingReviews(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM evaluations
		WHERE user_id = ? AND routing = ? AND author_verdict IS NULL`,
		userID, RoutingAuthorReview).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return n, nil
}

// BulkApproveOldest approves the oldest unresolved items in one write and
// returns how many rows it touched. Flagged items are included only when
// includeFlagged is set.
func (s *Store) BulkApproveOldest(userID string, limit int, includeFlagged bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routings := []interface{}{userID, string(RoutingAuthorReview)}
	routingClause := "routing = ?"
	if includeFlagged {
		routingClause = "routing IN (?, ?)"
		routings = append(routings, string(RoutingFlagged))
	}
	routings = append(routings, limit)

	query := fmt.Sprintf(`
		UPDATE evaluations
		SET author_verdict = '%s', reviewed_at = CURRENT_TIMESTAMP
		WHERE id IN (
			SELECT id FROM evaluations
			WHERE user_id = ? AND %s AND author_verdict IS NULL
			ORDER BY created_at ASC LIMIT ?
		)`, VerdictApproved, routingClause)

	res, err := s.db.Exec(query, routings...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk approve: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EvaluationsForUser returns all evaluations for a user, oldest first.
func (s *Store) EvaluationsForUser(userID string) ([]Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, prompt, generated_response, section,
		       values_alignment, model_usage, heuristic_following, style_match,
		       overall_confidence, routing, author_verdict, review_comment,
		       created_at, reviewed_at
		FROM evaluations WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		var verdict, comment sql.NullString
		var reviewedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.Prompt, &e.GeneratedResponse, &e.Section,
			&e.Axes.ValuesAlignment, &e.Axes.ModelUsage, &e.Axes.HeuristicFollowing, &e.Axes.StyleMatch,
			&e.OverallConfidence, &e.Routing, &verdict, &comment, &e.CreatedAt, &reviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if verdict.Valid {
			v := Verdict(verdict.String)
			e.AuthorVerdict = &v
		}
		e.ReviewComment = comment.String
		if reviewedAt.Valid {
			t := reviewedAt.Time
			e.ReviewedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SectionConfidence aggregates evaluation count and mean confidence per
// section for gap scoring.
type SectionConfidence struct {
	Count          int
	MeanConfidence float64
}

// SectionConfidences returns per-section evaluation aggregates for a user.
func (s *Store) SectionConfidences(userID string) (map[string]SectionConfidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT section, COUNT(*), AVG(overall_confidence)
		FROM evaluations WHERE user_id = ? GROUP BY section`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SectionConfidence)
	for rows.Next() {
		var section string
		var sc SectionConfidence
		if err := rows.Scan(&section, &sc.Count, &sc.MeanConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan section aggregate: %w", err)
		}
		out[section] = sc
	}
	return out, rows.Err()
}

// InsertSyntheticValidation records author agreement with an auto-approved
// rating. The rating must exist, belong to the user and be auto-approved.
func (s *Store) InsertSyntheticValidation(v *SyntheticValidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var routing Routing
	err := s.db.QueryRow(`
		SELECT routing FROM evaluations WHERE id = ? AND user_id = ?`,
		v.RatingID, v.UserID).Scan(&routing)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Newf(errs.NotFound, "rating %s not found for user %s", v.RatingID, v.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up rating: %w", err)
	}
	if routing != RoutingAutoApproved {
		return errs.Newf(errs.Validation, "rating %s has routing %s, only auto-approved ratings can be validated", v.RatingID, routing)
	}

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO synthetic_validations (id, rating_id, user_id, agreed, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.RatingID, v.UserID, v.Agreed, v.Comment, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert validation: %w", err)
	}
	return nil
}

// FeedbackCounts holds the aggregate statistics for the stats surface.
type FeedbackCounts struct {
	TotalSynthetic  int
	AutoApproved    int
	QueuedReview    int
	AuthorValidated int
	AgreedCount     int
	HighConfidence  int // >= 0.8
	MedConfidence   int // [0.5, 0.8)
	LowConfidence   int // < 0.5
}

// FeedbackStats aggregates the counters behind the stats surface in one pass.
func (s *Store) FeedbackStats(userID string) (*FeedbackCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fc FeedbackCounts
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN routing = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN routing = ? AND author_verdict IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN overall_confidence >= 0.8 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN overall_confidence >= 0.5 AND overall_confidence < 0.8 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN overall_confidence < 0.5 THEN 1 ELSE 0 END), 0)
		FROM evaluations WHERE user_id = ?`,
		RoutingAutoApproved, RoutingAuthorReview, userID).
		Scan(&fc.TotalSynthetic, &fc.AutoApproved, &fc.QueuedReview,
			&fc.HighConfidence, &fc.MedConfidence, &fc.LowConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback stats: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN agreed THEN 1 ELSE 0 END), 0)
		FROM synthetic_validations WHERE user_id = ?`, userID).
		Scan(&fc.AuthorValidated, &fc.AgreedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate validations: %w", err)
	}
	return &fc, nil
}
