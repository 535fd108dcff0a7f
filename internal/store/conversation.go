package store

import (
	"fmt"
	"time"
)

// AppendConversationTurn persists one message, assigning the next dense
// turn number inside the same transaction.
func (s *Store) AppendConversationTurn(conversationID, role, content string, tokens int, metadata string) (int, error) {
	if err := validateRole(role); err != nil {
		return 0, err
	}
	if tokens < 0 {
		return 0, fmt.Errorf("tokens_used must be non-negative, got %d", tokens)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var turn int
	err = tx.QueryRow(`SELECT COALESCE(MAX(turn_number)+1, 0)
		FROM conversation_history WHERE conversation_id = ?`, conversationID).Scan(&turn)
	if err != nil {
		return 0, fmt.Errorf("failed to compute turn number: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO conversation_history
		(conversation_id, turn_number, role, content, timestamp, tokens_used, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, turn, role, content, time.Now().UTC(), tokens, metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conversation turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return turn, nil
}

// ConversationTurns loads all messages of a conversation in turn order.
func (s *Store) ConversationTurns(conversationID string) ([]ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, conversation_id, turn_number, role,
		content, timestamp, tokens_used, COALESCE(metadata,'')
		FROM conversation_history WHERE conversation_id = ?
		ORDER BY turn_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var out []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnNumber, &t.Role,
			&t.Content, &t.Timestamp, &t.TokensUsed, &t.Metadata); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteConversation removes all turns of a conversation.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM conversation_history WHERE conversation_id = ?", conversationID)
	return err
}

// InsertMetric records one point sample.
func (s *Store) InsertMetric(metricType string, value float64, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO metrics (metric_type, value, metadata, timestamp)
		VALUES (?, ?, ?, ?)`, metricType, value, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

// RecentMetrics loads the newest samples of one metric type, most recent
// first.
func (s *Store) RecentMetrics(metricType string, limit int) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, metric_type, value, COALESCE(metadata,''), timestamp
		FROM metrics WHERE metric_type = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.MetricType, &m.Value, &m.Metadata, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordGuardrailVersion logs a content hash for a policy or export file.
func (s *Store) RecordGuardrailVersion(file, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO guardrail_versions (file, content_hash, updated_at)
		VALUES (?, ?, ?)`, file, contentHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record guardrail version: %w", err)
	}
	return nil
}
