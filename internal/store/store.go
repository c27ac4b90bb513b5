// Package store provides SQLite-backed persistence for twinloop.
// The relational store is the sole synchronization point between
// invocations: every invariant that must survive overlapping triggers
// (single-flight exports, the active-document pointer) is enforced here
// with conditional writes, not by caller sequencing.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"twinloop/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open initializes the SQLite database at the given path. Pass ":memory:"
// for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Store("store initialized at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	cycleTable := `
	CREATE TABLE IF NOT EXISTS cycle_state (
		user_id TEXT PRIMARY KEY,
		activity_level TEXT NOT NULL,
		cycle_count INTEGER NOT NULL DEFAULT 0,
		sleep_minutes INTEGER NOT NULL DEFAULT 10,
		last_cycle_at DATETIME,
		next_cycle_at DATETIME,
		last_contact_at DATETIME,
		last_action TEXT,
		last_reason TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// Documents are append-only; the active version is an explicit pointer
	// row updated in the same transaction as the version insert.
	documentTables := `
	CREATE TABLE IF NOT EXISTS documents (
		user_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		sections_json TEXT NOT NULL,
		change_summary TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, version)
	);
	CREATE TABLE IF NOT EXISTS document_active (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);
	`

	gapTable := `
	CREATE TABLE IF NOT EXISTS gap_scores (
		user_id TEXT NOT NULL,
		section TEXT NOT NULL,
		priority TEXT NOT NULL,
		computed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, section)
	);
	`

	evaluationTable := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		generated_response TEXT NOT NULL,
		section TEXT NOT NULL,
		values_alignment REAL NOT NULL,
		model_usage REAL NOT NULL,
		heuristic_following REAL NOT NULL,
		style_match REAL NOT NULL,
		overall_confidence REAL NOT NULL,
		routing TEXT NOT NULL,
		author_verdict TEXT,
		review_comment TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		reviewed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_user ON evaluations(user_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_section ON evaluations(user_id, section);
	CREATE INDEX IF NOT EXISTS idx_evaluations_routing ON evaluations(user_id, routing);
	`

	validationTable := `
	CREATE TABLE IF NOT EXISTS synthetic_validations (
		id TEXT PRIMARY KEY,
		rating_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		agreed BOOLEAN NOT NULL,
		comment TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_validations_user ON synthetic_validations(user_id);
	`

	maturityTable := `
	CREATE TABLE IF NOT EXISTS maturity_records (
		user_id TEXT PRIMARY KEY,
		overall_score REAL NOT NULL,
		score_worldview REAL NOT NULL,
		score_values REAL NOT NULL,
		score_models REAL NOT NULL,
		score_identity REAL NOT NULL,
		score_shadows REAL NOT NULL,
		training_pair_count INTEGER NOT NULL,
		evaluation_count INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	trainingTables := `
	CREATE TABLE IF NOT EXISTS training_pairs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		quality_score REAL NOT NULL,
		export_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pairs_user ON training_pairs(user_id);
	CREATE INDEX IF NOT EXISTS idx_pairs_export ON training_pairs(export_id);

	CREATE TABLE IF NOT EXISTS training_exports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		external_job_id TEXT,
		file_id TEXT,
		pair_count INTEGER NOT NULL DEFAULT 0,
		resulting_model_id TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_exports_user ON training_exports(user_id, status);
	`

	twinTable := `
	CREATE TABLE IF NOT EXISTS twins (
		user_id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		status TEXT NOT NULL,
		training_job_id TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	messageTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		delivered_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, delivered);
	`

	entryTable := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id, created_at);
	`

	settingsTable := `
	CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		agents_paused BOOLEAN NOT NULL DEFAULT 0,
		training_profile TEXT NOT NULL DEFAULT 'standard',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	activityTable := `
	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id);
	`

	for _, table := range []string{
		cycleTable,
		documentTables,
		gapTable,
		evaluationTable,
		validationTable,
		maturityTable,
		trainingTables,
		twinTable,
		messageTable,
		entryTable,
		settingsTable,
		activityTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
