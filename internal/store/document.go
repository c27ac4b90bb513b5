package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// ActiveDocument returns the user's active knowledge document, or NotFound.
func (s *Store) ActiveDocument(userID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeDocumentLocked(userID)
}

func (s *Store) activeDocumentLocked(userID string) (*Document, error) {
	row := s.db.QueryRow(`
		SELECT d.user_id, d.version, d.sections_json, d.change_summary, d.created_at
		FROM documents d
		JOIN document_active a ON a.user_id = d.user_id AND a.version = d.version
		WHERE d.user_id = ?`, userID)
	return scanDocument(row)
}

// DocumentVersion returns one historical version, or NotFound.
func (s *Store) DocumentVersion(userID string, version int) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT user_id, version, sections_json, change_summary, created_at
		FROM documents WHERE user_id = ? AND version = ?`, userID, version)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var sectionsJSON string
	var summary sql.NullString
	err := row.Scan(&d.UserID, &d.Version, &sectionsJSON, &summary, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if err := json.Unmarshal([]byte(sectionsJSON), &d.Sections); err != nil {
		return nil, fmt.Errorf("failed to decode document sections: %w", err)
	}
	d.ChangeSummary = summary.String
	return &d, nil
}

// InsertDocumentVersion appends a new version with version = max+1 and moves
// the active pointer to it in the same transaction, so no window exists in
// which two versions appear active.
func (s *Store) InsertDocumentVersion(userID string, sections map[string]string, changeSummary string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sections: %w", err)
	}

	var version int
	err = s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(version), 0) + 1 FROM documents WHERE user_id = ?`,
			userID).Scan(&version); err != nil {
			return fmt.Errorf("failed to compute next version: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO documents (user_id, version, sections_json, change_summary, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, version, string(sectionsJSON), changeSummary, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert document version: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO document_active (user_id, version) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET version = excluded.version`,
			userID, version); err != nil {
			return fmt.Errorf("failed to move active pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// DocumentHistory lists all versions for a user, newest first.
func (s *Store) DocumentHistory(userID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, version, sections_json, change_summary, created_at
		FROM documents WHERE user_id = ? ORDER BY version DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document history: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var sectionsJSON string
		var summary sql.NullString
		if err := rows.Scan(&d.UserID, &d.Version, &sectionsJSON, &summary, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(sectionsJSON), &d.Sections); err != nil {
			return nil, fmt.Errorf("failed to decode document sections: %w", err)
		}
		d.ChangeSummary = summary.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveVersionCount counts active-pointer rows for a user. At most one row
// can exist because document_active keys on user_id; exposed for invariant
// tests.
func (s *Store) ActiveVersionCount(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM document_active WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active pointers: %w", err)
	}
	return n, nil
}

// GapScores returns the last persisted gap scores without side effects.
func (s *Store) GapScores(userID string) ([]GapScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, section, priority, computed_at
		FROM gap_scores WHERE user_id = ? ORDER BY section`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gap scores: %w", err)
	}
	defer rows.Close()

	var out []GapScore
	for rows.Next() {
		var g GapScore
		if err := rows.Scan(&g.UserID, &g.Section, &g.Priority, &g.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gap score: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ReplaceGapScores persists a freshly recomputed gap score set atomically.
func (s *Store) ReplaceGapScores(userID string, scores []GapScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM gap_scores WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to clear gap scores: %w", err)
		}
		now := time.Now().UTC()
		for _, g := range scores {
			computedAt := g.ComputedAt
			if computedAt.IsZero() {
				computedAt = now
			}
			if _, err := tx.Exec(`
				INSERT INTO gap_scores (user_id, section, priority, computed_at)
				VALUES (?, ?, ?, ?)`,
				userID, g.Section, g.Priority, computedAt); err != nil {
				return fmt.Errorf("failed to insert gap score: %w", err)
			}
		}
		return nil
	})
}
