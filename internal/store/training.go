package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// InsertTrainingPair stores one training example, unclaimed.
func (s *Store) InsertTrainingPair(p *TrainingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO training_pairs (id, user_id, content, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Content, p.QualityScore, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert training pair: %w", err)
	}
	return nil
}

// CountTrainingPairs counts all pairs for a user.
func (s *Store) CountTrainingPairs(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM training_pairs WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count training pairs: %w", err)
	}
	return n, nil
}

// CountUnclaimedPairs counts pairs available for the next export at or above
// the quality floor.
func (s *Store) CountUnclaimedPairs(userID string, minQuality float64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM training_pairs
		WHERE user_id = ? AND export_id IS NULL AND quality_score >= ?`,
		userID, minQuality).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unclaimed pairs: %w", err)
	}
	return n, nil
}

// InFlightExports lists the user's exports still occupying the single-flight
// slot (uploading, uploaded or training), oldest first.
func (s *Store) InFlightExports(userID string) ([]TrainingExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, status, external_job_id, file_id, pair_count,
		       resulting_model_id, error, created_at, completed_at
		FROM training_exports
		WHERE user_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		userID, ExportUploading, ExportUploaded, ExportTraining)
	if err != nil {
		return nil, fmt.Errorf("failed to query in-flight exports: %w", err)
	}
	defer rows.Close()
	return scanExports(rows)
}

// CompletedExports lists exports whose training finished but whose model has
// not been deployed yet, oldest first. Deploy is retried from here.
func (s *Store) CompletedExports(userID string) ([]TrainingExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, status, external_job_id, file_id, pair_count,
		       resulting_model_id, error, created_at, completed_at
		FROM training_exports
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC`, userID, ExportCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed exports: %w", err)
	}
	defer rows.Close()
	return scanExports(rows)
}

func scanExports(rows *sql.Rows) ([]TrainingExport, error) {
	var out []TrainingExport
	for rows.Next() {
		var e TrainingExport
		var jobID, fileID, modelID, errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.Status, &jobID, &fileID, &e.PairCount,
			&modelID, &errMsg, &e.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		e.ExternalJobID = jobID.String
		e.FileID = fileID.String
		e.ResultingModelID = modelID.String
		e.ErrorMsg = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetExport returns one export, or NotFound.
func (s *Store) GetExport(exportID string) (*TrainingExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, status, external_job_id, file_id, pair_count,
		       resulting_model_id, error, created_at, completed_at
		FROM training_exports WHERE id = ?`, exportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export: %w", err)
	}
	defer rows.Close()
	exports, err := scanExports(rows)
	if err != nil {
		return nil, err
	}
	if len(exports) == 0 {
		return nil, errs.Newf(errs.NotFound, "export %s not found", exportID)
	}
	return &exports[0], nil
}

// LatestActiveExport returns the most recently activated export, or nil.
// Used for the cooldown guard.
func (s *Store) LatestActiveExport(userID string) (*TrainingExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, status, external_job_id, file_id, pair_count,
		       resulting_model_id, error, created_at, completed_at
		FROM training_exports
		WHERE user_id = ? AND status = ?
		ORDER BY completed_at DESC LIMIT 1`, userID, ExportActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active export: %w", err)
	}
	defer rows.Close()
	exports, err := scanExports(rows)
	if err != nil {
		return nil, err
	}
	if len(exports) == 0 {
		return nil, nil
	}
	return &exports[0], nil
}

// ClaimPairsForExport atomically creates a new export row and claims every
// eligible pair into it. The insert is conditional on no other export for
// the user being in flight, so the single-flight invariant is enforced by
// the store even across overlapping invocations. Returns Conflict when the
// slot is taken and Consistency when fewer than minPairs pairs qualify
// (nothing is written in either case).
func (s *Store) ClaimPairsForExport(userID, exportID string, minQuality float64, minPairs int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed int
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO training_exports (id, user_id, status, pair_count, created_at)
			SELECT ?, ?, ?, 0, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM training_exports
				WHERE user_id = ? AND status IN (?, ?, ?)
			)`,
			exportID, userID, ExportUploading, time.Now().UTC(),
			userID, ExportUploading, ExportUploaded, ExportTraining)
		if err != nil {
			return fmt.Errorf("failed to create export: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.Newf(errs.Conflict, "an export is already in flight for user %s", userID)
		}

		res, err = tx.Exec(`
			UPDATE training_pairs SET export_id = ?
			WHERE user_id = ? AND export_id IS NULL AND quality_score >= ?`,
			exportID, userID, minQuality)
		if err != nil {
			return fmt.Errorf("failed to claim pairs: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = int(n)
		if claimed < minPairs {
			return errs.Newf(errs.Consistency, "only %d of %d required pairs qualify", claimed, minPairs)
		}

		if _, err := tx.Exec(`
			UPDATE training_exports SET pair_count = ? WHERE id = ?`,
			claimed, exportID); err != nil {
			return fmt.Errorf("failed to record pair count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// PairsForExport returns the pairs claimed by an export, oldest first.
func (s *Store) PairsForExport(exportID string) ([]TrainingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, content, quality_score, export_id, created_at
		FROM training_pairs WHERE export_id = ? ORDER BY created_at ASC`, exportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export pairs: %w", err)
	}
	defer rows.Close()

	var out []TrainingPair
	for rows.Next() {
		var p TrainingPair
		var expID sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &p.QualityScore, &expID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		if expID.Valid {
			v := expID.String
			p.ExportID = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTrainingPair returns one pair, or NotFound.
func (s *Store) GetTrainingPair(pairID string) (*TrainingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p TrainingPair
	var expID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, content, quality_score, export_id, created_at
		FROM training_pairs WHERE id = ?`, pairID).
		Scan(&p.ID, &p.UserID, &p.Content, &p.QualityScore, &expID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "pair %s not found", pairID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair: %w", err)
	}
	if expID.Valid {
		v := expID.String
		p.ExportID = &v
	}
	return &p, nil
}

// MarkExportUploaded records the provider file id after upload.
func (s *Store) MarkExportUploaded(exportID, fileID string) error {
	return s.transitionExport(exportID, ExportUploaded,
		`UPDATE training_exports SET status = ?, file_id = ? WHERE id = ? AND status = ?`,
		ExportUploaded, fileID, exportID, ExportUploading)
}

// MarkExportTraining records the provider job id once training starts.
func (s *Store) MarkExportTraining(exportID, jobID string) error {
	return s.transitionExport(exportID, ExportTraining,
		`UPDATE training_exports SET status = ?, external_job_id = ? WHERE id = ? AND status = ?`,
		ExportTraining, jobID, exportID, ExportUploaded)
}

// MarkExportCompleted records the resulting model once the provider reports
// the job finished. Deploy happens separately so it can be retried.
func (s *Store) MarkExportCompleted(exportID, resultModelID string) error {
	return s.transitionExport(exportID, ExportCompleted,
		`UPDATE training_exports SET status = ?, resulting_model_id = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		ExportCompleted, resultModelID, exportID, ExportTraining)
}

// MarkExportActive marks a completed export as the serving one.
func (s *Store) MarkExportActive(exportID string) error {
	return s.transitionExport(exportID, ExportActive,
		`UPDATE training_exports SET status = ? WHERE id = ? AND status = ?`,
		ExportActive, exportID, ExportCompleted)
}

func (s *Store) transitionExport(exportID string, to ExportStatus, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition export to %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.Conflict, "export %s not eligible for transition to %s", exportID, to)
	}
	return nil
}

// MarkExportTerminal marks an export failed or cancelled and releases every
// pair it had claimed, in one transaction.
func (s *Store) MarkExportTerminal(exportID string, status ExportStatus, errMsg string) error {
	if status != ExportFailed && status != ExportCancelled {
		return errs.Newf(errs.Validation, "status %s is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE training_exports
			SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?)`,
			status, errMsg, exportID, ExportFailed, ExportCancelled)
		if err != nil {
			return fmt.Errorf("failed to mark export %s: %w", status, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.Newf(errs.NotFound, "export %s not found or already terminal", exportID)
		}
		if _, err := tx.Exec(`
			UPDATE training_pairs SET export_id = NULL WHERE export_id = ?`, exportID); err != nil {
			return fmt.Errorf("failed to release pairs: %w", err)
		}
		return nil
	})
}
