package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord bundles a session with its child rows for one batched write.
type SessionRecord struct {
	Session         Session
	Failures        []FailureModeRow
	Violations      []ViolationRow
	AgentActivity   []AgentActivityRow
	ContextTracking []ContextTrackingRow
	Classification  *TaskClassificationRow
}

// SaveSession writes a session and all of its child rows in one transaction.
// Enum domains are validated before any write; a bad value rejects the batch.
func (s *Store) SaveSession(rec *SessionRecord) error {
	for _, f := range rec.Failures {
		if err := validateSeverity(f.Severity); err != nil {
			return fmt.Errorf("failure mode: %w", err)
		}
	}
	for _, v := range rec.Violations {
		if err := validateSeverity(v.Severity); err != nil {
			return fmt.Errorf("violation: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess := rec.Session
	_, err = tx.Exec(`INSERT INTO sessions
		(id, timestamp, tool, agent, mode, prompt, augmented_prompt, raw_output,
		 parsed_output, violation_count, approved, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Timestamp, sess.Tool, sess.Agent, sess.Mode, sess.Prompt,
		sess.AugmentedPrompt, sess.RawOutput, sess.ParsedOutput,
		sess.ViolationCount, sess.Approved, sess.ExecutionTimeMS)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	for _, f := range rec.Failures {
		_, err = tx.Exec(`INSERT INTO failure_modes
			(session_id, tool, category, pattern, severity, context, resolution, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, f.Tool, f.Category, f.Pattern, f.Severity, f.Context, f.Resolution, f.Resolved)
		if err != nil {
			return fmt.Errorf("failed to insert failure mode: %w", err)
		}
	}

	for _, v := range rec.Violations {
		_, err = tx.Exec(`INSERT INTO violations
			(session_id, guardrail_type, rule_id, severity, description, suggestion, file_path, line_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, v.GuardrailType, v.RuleID, v.Severity, v.Description, v.Suggestion, v.FilePath, v.LineNumber)
		if err != nil {
			return fmt.Errorf("failed to insert violation: %w", err)
		}
	}

	for _, a := range rec.AgentActivity {
		_, err = tx.Exec(`INSERT INTO agent_activity
			(session_id, agent_name, action, success, execution_time_ms, error_message, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, a.AgentName, a.Action, a.Success, a.ExecutionTimeMS, a.ErrorMessage, a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to insert agent activity: %w", err)
		}
	}

	for _, c := range rec.ContextTracking {
		_, err = tx.Exec(`INSERT INTO context_tracking
			(session_id, context_type, payload, tokens_used)
			VALUES (?, ?, ?, ?)`,
			sess.ID, c.ContextType, c.Payload, c.TokensUsed)
		if err != nil {
			return fmt.Errorf("failed to insert context tracking: %w", err)
		}
	}

	if tc := rec.Classification; tc != nil {
		_, err = tx.Exec(`INSERT INTO task_classifications
			(session_id, task_type, confidence, requires_guardrails, features)
			VALUES (?, ?, ?, ?, ?)`,
			sess.ID, tc.TaskType, tc.Confidence, tc.RequiresGuardrails, tc.Features)
		if err != nil {
			return fmt.Errorf("failed to insert task classification: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	err := s.db.QueryRow(`SELECT id, timestamp, tool, agent, mode, prompt,
		augmented_prompt, raw_output, parsed_output, violation_count, approved,
		execution_time_ms FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Timestamp, &sess.Tool, &sess.Agent, &sess.Mode,
		&sess.Prompt, &sess.AugmentedPrompt, &sess.RawOutput, &sess.ParsedOutput,
		&sess.ViolationCount, &sess.Approved, &sess.ExecutionTimeMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session and, via cascade, all child rows.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// FailuresSince returns failure rows created after the cutoff, optionally
// restricted to the given categories.
func (s *Store) FailuresSince(cutoff time.Time, categories []string) ([]FailureModeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, session_id, tool, category, pattern, severity, context,
		COALESCE(resolution,''), resolved, created_at
		FROM failure_modes WHERE created_at >= ?`
	args := []any{cutoff}
	if len(categories) > 0 {
		query += " AND category IN (" + placeholders(len(categories)) + ")"
		for _, c := range categories {
			args = append(args, c)
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []FailureModeRow
	for rows.Next() {
		var f FailureModeRow
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Tool, &f.Category, &f.Pattern,
			&f.Severity, &f.Context, &f.Resolution, &f.Resolved, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ViolationsSince returns violation rows created after the cutoff.
func (s *Store) ViolationsSince(cutoff time.Time) ([]ViolationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, session_id, guardrail_type, rule_id,
		severity, COALESCE(description,''), COALESCE(suggestion,''),
		COALESCE(file_path,''), COALESCE(line_number,0), created_at
		FROM violations WHERE created_at >= ? ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []ViolationRow
	for rows.Next() {
		var v ViolationRow
		if err := rows.Scan(&v.ID, &v.SessionID, &v.GuardrailType, &v.RuleID,
			&v.Severity, &v.Description, &v.Suggestion, &v.FilePath, &v.LineNumber,
			&v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecentFailures returns the newest failures, most recent first.
func (s *Store) RecentFailures(limit int) ([]FailureModeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, session_id, tool, category, pattern,
		severity, context, COALESCE(resolution,''), resolved, created_at
		FROM failure_modes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	defer rows.Close()

	var out []FailureModeRow
	for rows.Next() {
		var f FailureModeRow
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Tool, &f.Category, &f.Pattern,
			&f.Severity, &f.Context, &f.Resolution, &f.Resolved, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CategoryCount is a per-category tally over a window.
type CategoryCount struct {
	Category string
	Count    int64
}

// FailureCategoryCounts tallies failures per category since the cutoff,
// most frequent first.
func (s *Store) FailureCategoryCounts(cutoff time.Time) ([]CategoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT category, COUNT(*) AS n FROM failure_modes
		WHERE created_at >= ? GROUP BY category ORDER BY n DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count failure categories: %w", err)
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ViolationRuleCounts tallies violations per rule since the cutoff.
func (s *Store) ViolationRuleCounts(cutoff time.Time) ([]CategoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT rule_id, COUNT(*) AS n FROM violations
		WHERE created_at >= ? GROUP BY rule_id ORDER BY n DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count violation rules: %w", err)
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SessionStats summarises sessions over a window.
type SessionStats struct {
	Total           int64
	Approved        int64
	MeanExecutionMS float64
}

// SessionStatsSince aggregates session counts and mean execution time.
func (s *Store) SessionStatsSince(cutoff time.Time) (*SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st SessionStats
	err := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(approved),0),
		COALESCE(AVG(execution_time_ms),0)
		FROM sessions WHERE timestamp >= ?`, cutoff).
		Scan(&st.Total, &st.Approved, &st.MeanExecutionMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	return &st, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
