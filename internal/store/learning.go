package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertLearnedPattern inserts a pattern or, when the hash already exists,
// folds the new observation into the existing row. Frequency and last_seen
// never decrease.
func (s *Store) UpsertLearnedPattern(p *LearnedPattern) (int64, error) {
	if err := validateSeverity(p.Severity); err != nil {
		return 0, fmt.Errorf("learned pattern: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	examples, err := json.Marshal(p.ExampleSessions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode example sessions: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	var freq int
	var severity Severity
	err = tx.QueryRow(`SELECT id, frequency, severity FROM learned_patterns
		WHERE pattern_hash = ?`, p.PatternHash).Scan(&id, &freq, &severity)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO learned_patterns
			(pattern_hash, category, pattern, description, frequency, severity,
			 first_seen, last_seen, confidence, example_sessions, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.PatternHash, p.Category, p.Pattern, p.Description, p.Frequency,
			p.Severity, p.FirstSeen, p.LastSeen, p.Confidence, string(examples), p.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to insert learned pattern: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, fmt.Errorf("failed to look up learned pattern: %w", err)
	default:
		newFreq := freq
		if p.Frequency > freq {
			newFreq = p.Frequency
		}
		newSeverity := severity
		if p.Severity.Rank() > severity.Rank() {
			newSeverity = p.Severity
		}
		_, err = tx.Exec(`UPDATE learned_patterns SET
			frequency = ?, severity = ?, confidence = ?, example_sessions = ?,
			last_seen = MAX(last_seen, ?)
			WHERE id = ?`,
			newFreq, newSeverity, p.Confidence, string(examples), p.LastSeen, id)
		if err != nil {
			return 0, fmt.Errorf("failed to update learned pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// LearnedPatternByHash loads one pattern, or nil when absent.
func (s *Store) LearnedPatternByHash(hash string) (*LearnedPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPattern(s.db.QueryRow(`SELECT id, pattern_hash, category, pattern,
		COALESCE(description,''), frequency, severity, first_seen, last_seen,
		confidence, COALESCE(example_sessions,'[]'), COALESCE(metadata,'')
		FROM learned_patterns WHERE pattern_hash = ?`, hash))
}

// LearnedPatternByID loads one pattern by row id, or nil when absent.
func (s *Store) LearnedPatternByID(id int64) (*LearnedPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPattern(s.db.QueryRow(`SELECT id, pattern_hash, category, pattern,
		COALESCE(description,''), frequency, severity, first_seen, last_seen,
		confidence, COALESCE(example_sessions,'[]'), COALESCE(metadata,'')
		FROM learned_patterns WHERE id = ?`, id))
}

func (s *Store) scanPattern(row *sql.Row) (*LearnedPattern, error) {
	var p LearnedPattern
	var examples string
	err := row.Scan(&p.ID, &p.PatternHash, &p.Category, &p.Pattern, &p.Description,
		&p.Frequency, &p.Severity, &p.FirstSeen, &p.LastSeen, &p.Confidence,
		&examples, &p.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load learned pattern: %w", err)
	}
	if err := json.Unmarshal([]byte(examples), &p.ExampleSessions); err != nil {
		p.ExampleSessions = nil
	}
	return &p, nil
}

// InsertDynamicGuardrail persists a new rule in trial status.
func (s *Store) InsertDynamicGuardrail(g *DynamicGuardrail) (int64, error) {
	if !g.EnforcementMode.Valid() {
		return 0, fmt.Errorf("invalid enforcement mode %q", g.EnforcementMode)
	}
	if g.Status == "" {
		g.Status = StatusTrial
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taskTypes, err := json.Marshal(g.TaskTypes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode task types: %w", err)
	}
	res, err := s.db.Exec(`INSERT INTO dynamic_guardrails
		(pattern_id, rule_text, category, confidence, status, enforcement_mode,
		 task_types, created_at, activated_at, created_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.PatternID, g.RuleText, g.Category, g.Confidence, g.Status,
		g.EnforcementMode, string(taskTypes), time.Now().UTC(), g.ActivatedAt,
		g.CreatedBy, g.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to insert dynamic guardrail: %w", err)
	}
	return res.LastInsertId()
}

// GuardrailByID loads one dynamic guardrail, or nil when absent.
func (s *Store) GuardrailByID(id int64) (*DynamicGuardrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(guardrailSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanGuardrails(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ActiveGuardrails returns non-deprecated rules in validated or enforced
// status with confidence at or above the floor.
func (s *Store) ActiveGuardrails(minConfidence float64) ([]DynamicGuardrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(guardrailSelect+` WHERE status IN ('validated','enforced')
		AND deactivated_at IS NULL AND confidence >= ? ORDER BY confidence DESC`,
		minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to query active guardrails: %w", err)
	}
	defer rows.Close()
	return scanGuardrails(rows)
}

// GuardrailsByStatus lists rules in one lifecycle state.
func (s *Store) GuardrailsByStatus(status GuardrailStatus) ([]DynamicGuardrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(guardrailSelect+" WHERE status = ? ORDER BY created_at", status)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardrails: %w", err)
	}
	defer rows.Close()
	return scanGuardrails(rows)
}

// TransitionGuardrail moves a rule from one lifecycle state to another.
// The update is guarded on the current state, so an illegal transition
// affects zero rows and returns false without error.
func (s *Store) TransitionGuardrail(id int64, from, to GuardrailStatus, enforcement EnforcementMode, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch to {
	case StatusDeprecated:
		res, err = s.db.Exec(`UPDATE dynamic_guardrails
			SET status = ?, deactivated_at = ?, metadata = json_set(COALESCE(NULLIF(metadata,''),'{}'), '$.deprecation_reason', ?)
			WHERE id = ? AND status = ? AND deactivated_at IS NULL`,
			to, now, reason, id, from)
	case StatusValidated:
		res, err = s.db.Exec(`UPDATE dynamic_guardrails
			SET status = ?, activated_at = COALESCE(activated_at, ?)
			WHERE id = ? AND status = ? AND deactivated_at IS NULL`,
			to, now, id, from)
	case StatusEnforced:
		res, err = s.db.Exec(`UPDATE dynamic_guardrails
			SET status = ?, enforcement_mode = ?
			WHERE id = ? AND status = ? AND deactivated_at IS NULL`,
			to, enforcement, id, from)
	default:
		return false, fmt.Errorf("invalid target status %q", to)
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition guardrail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordEffectiveness folds one trigger observation into the daily rollup
// row for the rule, creating it when absent.
func (s *Store) RecordEffectiveness(ruleID int64, date string, prevented, truePositive, falsePositive bool, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	_, err := s.db.Exec(`INSERT INTO rule_effectiveness
		(rule_id, date, times_triggered, prevented_failures, true_positives, false_positives, avg_confidence)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(rule_id, date) DO UPDATE SET
			times_triggered = times_triggered + 1,
			prevented_failures = prevented_failures + excluded.prevented_failures,
			true_positives = true_positives + excluded.true_positives,
			false_positives = false_positives + excluded.false_positives,
			avg_confidence = (avg_confidence * times_triggered + excluded.avg_confidence) / (times_triggered + 1)`,
		ruleID, date, b2i(prevented), b2i(truePositive), b2i(falsePositive), confidence)
	if err != nil {
		return fmt.Errorf("failed to record effectiveness: %w", err)
	}
	return nil
}

// EffectivenessSummary aggregates the rollups for a rule over the last days.
type EffectivenessSummary struct {
	TimesTriggered    int
	PreventedFailures int
	TruePositives     int
	FalsePositives    int
}

// GuardrailEffectiveness sums daily rollups for a rule within the window.
func (s *Store) GuardrailEffectiveness(ruleID int64, days int) (*EffectivenessSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var sum EffectivenessSummary
	err := s.db.QueryRow(`SELECT
		COALESCE(SUM(times_triggered),0), COALESCE(SUM(prevented_failures),0),
		COALESCE(SUM(true_positives),0), COALESCE(SUM(false_positives),0)
		FROM rule_effectiveness WHERE rule_id = ? AND date >= ?`, ruleID, cutoff).
		Scan(&sum.TimesTriggered, &sum.PreventedFailures, &sum.TruePositives, &sum.FalsePositives)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate effectiveness: %w", err)
	}
	return &sum, nil
}

const guardrailSelect = `SELECT id, pattern_id, rule_text, category, confidence,
	status, enforcement_mode, COALESCE(task_types,'[]'), created_at,
	activated_at, deactivated_at, created_by, COALESCE(metadata,'')
	FROM dynamic_guardrails`

func scanGuardrails(rows *sql.Rows) ([]DynamicGuardrail, error) {
	var out []DynamicGuardrail
	for rows.Next() {
		var g DynamicGuardrail
		var taskTypes string
		var activated, deactivated sql.NullTime
		if err := rows.Scan(&g.ID, &g.PatternID, &g.RuleText, &g.Category,
			&g.Confidence, &g.Status, &g.EnforcementMode, &taskTypes, &g.CreatedAt,
			&activated, &deactivated, &g.CreatedBy, &g.Metadata); err != nil {
			return nil, err
		}
		if activated.Valid {
			t := activated.Time
			g.ActivatedAt = &t
		}
		if deactivated.Valid {
			t := deactivated.Time
			g.DeactivatedAt = &t
		}
		if err := json.Unmarshal([]byte(taskTypes), &g.TaskTypes); err != nil {
			g.TaskTypes = nil
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GuardrailForPattern returns the newest non-deprecated rule minted from a
// pattern, or nil when none exists.
func (s *Store) GuardrailForPattern(patternID int64) (*DynamicGuardrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(guardrailSelect+` WHERE pattern_id = ? AND status != 'deprecated'
		ORDER BY id DESC LIMIT 1`, patternID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardrail for pattern: %w", err)
	}
	defer rows.Close()
	list, err := scanGuardrails(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}
