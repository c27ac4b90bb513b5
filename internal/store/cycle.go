package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"twinloop/internal/errs"
)

// GetCycleState returns the cycle state for a user, or NotFound.
func (s *Store) GetCycleState(userID string) (*CycleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT user_id, activity_level, cycle_count, sleep_minutes,
		       last_cycle_at, next_cycle_at, last_contact_at, last_action, last_reason
		FROM cycle_state WHERE user_id = ?`, userID)

	var cs CycleState
	var lastCycle, nextCycle, lastContact sql.NullTime
	var lastAction, lastReason sql.NullString
	err := row.Scan(&cs.UserID, &cs.ActivityLevel, &cs.CycleCount, &cs.SleepMinutes,
		&lastCycle, &nextCycle, &lastContact, &lastAction, &lastReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "no cycle state for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle state: %w", err)
	}
	if lastCycle.Valid {
		cs.LastCycleAt = lastCycle.Time
	}
	if nextCycle.Valid {
		cs.NextCycleAt = nextCycle.Time
	}
	if lastContact.Valid {
		t := lastContact.Time
		cs.LastContactAt = &t
	}
	cs.LastAction = lastAction.String
	cs.LastReason = lastReason.String
	return &cs, nil
}

// UpsertCycleState writes the cycle state row, incrementing cycle_count.
func (s *Store) UpsertCycleState(cs *CycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastContact interface{}
	if cs.LastContactAt != nil {
		lastContact = *cs.LastContactAt
	}
	_, err := s.db.Exec(`
		INSERT INTO cycle_state
			(user_id, activity_level, cycle_count, sleep_minutes,
			 last_cycle_at, next_cycle_at, last_contact_at, last_action, last_reason, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			activity_level = excluded.activity_level,
			cycle_count = cycle_state.cycle_count + 1,
			sleep_minutes = excluded.sleep_minutes,
			last_cycle_at = excluded.last_cycle_at,
			next_cycle_at = excluded.next_cycle_at,
			last_contact_at = excluded.last_contact_at,
			last_action = excluded.last_action,
			last_reason = excluded.last_reason,
			updated_at = CURRENT_TIMESTAMP`,
		cs.UserID, cs.ActivityLevel, cs.SleepMinutes,
		cs.LastCycleAt, cs.NextCycleAt, lastContact, cs.LastAction, cs.LastReason)
	if err != nil {
		return fmt.Errorf("failed to upsert cycle state: %w", err)
	}
	return nil
}

// EarliestNextCycle returns the soonest scheduled next cycle across all
// users, or nil when no cycle state exists yet.
func (s *Store) EarliestNextCycle() (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next sql.NullTime
	err := s.db.QueryRow(`SELECT MIN(next_cycle_at) FROM cycle_state`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to query next cycle: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

// InsertEntry stores one ingested source entry.
func (s *Store) InsertEntry(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO entries (id, user_id, content, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, e.Source, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// CountEntriesSince counts source entries for a user newer than the cutoff.
func (s *Store) CountEntriesSince(userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM entries WHERE user_id = ? AND created_at >= ?`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// LastEntryAt returns the timestamp of the user's most recent entry, or nil.
func (s *Store) LastEntryAt(userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t sql.NullTime
	err := s.db.QueryRow(`
		SELECT MAX(created_at) FROM entries WHERE user_id = ?`, userID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to query last entry: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// RecentEntries returns up to limit most-recent entries, newest first.
func (s *Store) RecentEntries(userID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, content, source, created_at
		FROM entries WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var source sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Source = source.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertMessage queues one outbound message.
func (s *Store) InsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, user_id, message_type, content, delivered, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		m.ID, m.UserID, m.Type, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MarkMessageDelivered flips a message's delivered flag.
func (s *Store) MarkMessageDelivered(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE messages SET delivered = 1, delivered_at = CURRENT_TIMESTAMP
		WHERE id = ? AND delivered = 0`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "no undelivered message %s", messageID)
	}
	return nil
}

// CountPendingMessages counts undelivered messages for a user.
func (s *Store) CountPendingMessages(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE user_id = ? AND delivered = 0`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// PendingMessages returns undelivered messages for a user, oldest first.
func (s *Store) PendingMessages(userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, message_type, content, delivered, created_at, delivered_at
		FROM messages WHERE user_id = ? AND delivered = 0
		ORDER BY created_at ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var deliveredAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Content, &m.Delivered,
			&m.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentDeliveredMessages returns up to limit delivered messages, newest first.
func (s *Store) RecentDeliveredMessages(userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, message_type, content, delivered, created_at, delivered_at
		FROM messages WHERE user_id = ? AND delivered = 1
		ORDER BY delivered_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var deliveredAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Content, &m.Delivered,
			&m.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			m.DeliveredAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
