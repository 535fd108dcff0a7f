// Package store implements guardloop's embedded persistence layer on SQLite.
//
// One Store owns the database file. Writers take short-lived transactions;
// the learning workers read over time-bounded windows. Session deletion
// cascades to every child table via foreign keys.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// New opens (creating if needed) the sqlite database at path and applies
// the schema and pending migrations.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		tool TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT 'auto',
		mode TEXT NOT NULL CHECK (mode IN ('standard','strict')),
		prompt TEXT NOT NULL,
		augmented_prompt TEXT,
		raw_output TEXT,
		parsed_output TEXT,
		violation_count INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 1,
		execution_time_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_timestamp ON sessions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_sessions_tool ON sessions(tool);

	CREATE TABLE IF NOT EXISTS failure_modes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		tool TEXT NOT NULL,
		category TEXT NOT NULL,
		pattern TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		context TEXT,
		resolution TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_failures_session ON failure_modes(session_id);
	CREATE INDEX IF NOT EXISTS idx_failures_created ON failure_modes(created_at);
	CREATE INDEX IF NOT EXISTS idx_failures_category ON failure_modes(category);

	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		guardrail_type TEXT NOT NULL CHECK (guardrail_type IN ('bpsbs','ai','ux_ui','agent')),
		rule_id TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		description TEXT,
		suggestion TEXT,
		file_path TEXT,
		line_number INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id);
	CREATE INDEX IF NOT EXISTS idx_violations_created ON violations(created_at);

	CREATE TABLE IF NOT EXISTS agent_activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		agent_name TEXT NOT NULL,
		action TEXT,
		success INTEGER NOT NULL DEFAULT 1,
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agent_activity_session ON agent_activity(session_id);

	CREATE TABLE IF NOT EXISTS context_tracking (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		context_type TEXT NOT NULL CHECK (context_type IN ('file','directory','project','custom')),
		payload TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_context_session ON context_tracking(session_id);

	CREATE TABLE IF NOT EXISTS task_classifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		task_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		requires_guardrails INTEGER NOT NULL DEFAULT 1,
		features TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_session ON task_classifications(session_id);

	CREATE TABLE IF NOT EXISTS learned_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_hash TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		pattern TEXT NOT NULL,
		description TEXT,
		frequency INTEGER NOT NULL DEFAULT 1,
		severity TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		example_sessions TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_category ON learned_patterns(category);
	CREATE INDEX IF NOT EXISTS idx_patterns_last_seen ON learned_patterns(last_seen);

	CREATE TABLE IF NOT EXISTS dynamic_guardrails (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id INTEGER NOT NULL REFERENCES learned_patterns(id),
		rule_text TEXT NOT NULL,
		category TEXT NOT NULL,
		confidence REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'trial' CHECK (status IN ('trial','validated','enforced','deprecated')),
		enforcement_mode TEXT NOT NULL CHECK (enforcement_mode IN ('warn','auto_fix','block')),
		task_types TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		activated_at DATETIME,
		deactivated_at DATETIME,
		created_by TEXT NOT NULL DEFAULT 'pattern_analyzer',
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_guardrails_status ON dynamic_guardrails(status);
	CREATE INDEX IF NOT EXISTS idx_guardrails_pattern ON dynamic_guardrails(pattern_id);

	CREATE TABLE IF NOT EXISTS rule_effectiveness (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL REFERENCES dynamic_guardrails(id),
		date TEXT NOT NULL,
		times_triggered INTEGER NOT NULL DEFAULT 0,
		prevented_failures INTEGER NOT NULL DEFAULT 0,
		true_positives INTEGER NOT NULL DEFAULT 0,
		false_positives INTEGER NOT NULL DEFAULT 0,
		avg_confidence REAL NOT NULL DEFAULT 0,
		UNIQUE(rule_id, date)
	);
	CREATE INDEX IF NOT EXISTS idx_effectiveness_rule ON rule_effectiveness(rule_id);

	CREATE TABLE IF NOT EXISTS conversation_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		tokens_used INTEGER NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
		metadata TEXT,
		UNIQUE(conversation_id, turn_number)
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_order ON conversation_history(conversation_id, turn_number);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_type TEXT NOT NULL,
		value REAL NOT NULL,
		metadata TEXT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(metric_type, timestamp);

	CREATE TABLE IF NOT EXISTS guardrail_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_guardrail_versions_file ON guardrail_versions(file);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Migration defines one additive schema change.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the initial schema shipped.
var pendingMigrations = []Migration{
	{"learned_patterns", "metadata", "TEXT"},
	{"dynamic_guardrails", "metadata", "TEXT"},
	{"conversation_history", "metadata", "TEXT"},
}

// migrate applies pending column additions to databases created by older
// versions. ALTER TABLE ADD COLUMN on an existing column fails, so presence
// is checked first.
func (s *Store) migrate() error {
	for _, m := range pendingMigrations {
		exists, err := s.columnExists(m.Table, m.Column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		s.logger.Info("applied migration", zap.String("table", m.Table), zap.String("column", m.Column))
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetStats returns row counts and the on-disk database size.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"sessions", &stats.Sessions},
		{"failure_modes", &stats.FailureModes},
		{"violations", &stats.Violations},
		{"learned_patterns", &stats.LearnedPatterns},
		{"dynamic_guardrails", &stats.DynamicGuardrails},
		{"conversation_history", &stats.ConversationTurns},
	}
	for _, c := range counts {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	if fi, err := os.Stat(s.dbPath); err == nil {
		stats.DiskBytes = fi.Size()
	}
	return stats, nil
}

// DeleteSessionsBefore removes sessions older than cutoff. Child rows go
// with them via cascade.
func (s *Store) DeleteSessionsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sessions WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after bulk deletes.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("VACUUM")
	return err
}

// Backup copies the database file into dir with a timestamped name and
// returns the backup path.
func (s *Store) Backup(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	// Flush the WAL so the main file is complete on its own.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	name := fmt.Sprintf("guardloop-%s.db", time.Now().Format("20060102-150405"))
	dst := filepath.Join(dir, name)

	in, err := os.Open(s.dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}
	s.logger.Info("database backed up", zap.String("path", dst))
	return dst, nil
}
