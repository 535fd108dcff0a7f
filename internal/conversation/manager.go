// Package conversation maintains multi-turn history per conversation,
// persisted turn by turn and pruned to turn and token limits when
// rendered into a prompt.
package conversation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guardloop/internal/store"
)

const (
	defaultMaxTurns         = 20
	defaultMaxContextTokens = 8000
)

// Message is one in-memory turn.
type Message struct {
	Role    string
	Content string
	Tokens  int
}

// turnStore is the persistence surface the manager needs.
type turnStore interface {
	AppendConversationTurn(conversationID, role, content string, tokens int, metadata string) (int, error)
	ConversationTurns(conversationID string) ([]store.ConversationTurn, error)
	DeleteConversation(conversationID string) error
}

// Manager tracks active conversations. Histories live in memory keyed by
// conversation id and hydrate from the store the first time an id is
// referenced.
type Manager struct {
	store            turnStore
	maxTurns         int
	maxContextTokens int
	logger           *zap.Logger

	mu            sync.Mutex
	conversations map[string][]Message
}

// NewManager builds a conversation manager with the default limits
// (20 turns, 8000 tokens).
func NewManager(s turnStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:            s,
		maxTurns:         defaultMaxTurns,
		maxContextTokens: defaultMaxContextTokens,
		logger:           logger,
		conversations:    make(map[string][]Message),
	}
}

// Start returns the conversation id, minting one when empty.
func (m *Manager) Start(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if _, ok := m.conversations[id]; !ok {
		m.conversations[id] = nil
	}
	m.mu.Unlock()
	m.logger.Debug("conversation started", zap.String("conversation_id", id))
	return id
}

// AddMessage appends a turn to the conversation and persists it. Tokens
// 0 estimates from content length.
func (m *Manager) AddMessage(id, role, content string, tokens int) error {
	if tokens <= 0 {
		tokens = len(content) / 4
	}
	if err := m.hydrate(id); err != nil {
		return err
	}

	if m.store != nil {
		if _, err := m.store.AppendConversationTurn(id, role, content, tokens, "{}"); err != nil {
			return fmt.Errorf("persist turn: %w", err)
		}
	}

	m.mu.Lock()
	m.conversations[id] = append(m.conversations[id], Message{Role: role, Content: content, Tokens: tokens})
	m.mu.Unlock()
	return nil
}

// BuildContext renders the pruned history plus the current prompt.
func (m *Manager) BuildContext(id, currentPrompt string) (string, error) {
	if err := m.hydrate(id); err != nil {
		return "", err
	}

	m.mu.Lock()
	history := prune(m.conversations[id], m.maxTurns, m.maxContextTokens)
	m.mu.Unlock()

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("# Conversation History\n")
		for _, msg := range history {
			switch msg.Role {
			case "user":
				b.WriteString("User: ")
			case "assistant":
				b.WriteString("Assistant: ")
			}
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("# Current Request\nUser: ")
	b.WriteString(currentPrompt)
	return b.String(), nil
}

// Summary reports turn and token counts for the conversation.
type Summary struct {
	ConversationID string
	Turns          int
	TotalTokens    int
}

// Summarize returns counts over the full (unpruned) history.
func (m *Manager) Summarize(id string) (Summary, error) {
	if err := m.hydrate(id); err != nil {
		return Summary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{ConversationID: id, Turns: len(m.conversations[id])}
	for _, msg := range m.conversations[id] {
		s.TotalTokens += msg.Tokens
	}
	return s, nil
}

// Clear drops the conversation from memory and the store.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteConversation(id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	m.logger.Debug("conversation cleared", zap.String("conversation_id", id))
	return nil
}

// hydrate loads persisted turns the first time an id is referenced.
func (m *Manager) hydrate(id string) error {
	m.mu.Lock()
	_, ok := m.conversations[id]
	m.mu.Unlock()
	if ok || m.store == nil {
		if !ok {
			m.mu.Lock()
			m.conversations[id] = nil
			m.mu.Unlock()
		}
		return nil
	}

	turns, err := m.store.ConversationTurns(id)
	if err != nil {
		return fmt.Errorf("hydrate conversation: %w", err)
	}
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content, Tokens: t.TokensUsed})
	}

	m.mu.Lock()
	m.conversations[id] = msgs
	m.mu.Unlock()
	if len(msgs) > 0 {
		m.logger.Debug("conversation hydrated",
			zap.String("conversation_id", id), zap.Int("turns", len(msgs)))
	}
	return nil
}

// prune drops the oldest messages until both the turn and token limits
// hold. System messages never reach the rendered context.
func prune(history []Message, maxTurns, maxTokens int) []Message {
	visible := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == "system" {
			continue
		}
		visible = append(visible, msg)
	}

	if len(visible) > maxTurns {
		visible = visible[len(visible)-maxTurns:]
	}
	total := 0
	for _, msg := range visible {
		total += msg.Tokens
	}
	for len(visible) > 0 && total > maxTokens {
		total -= visible[0].Tokens
		visible = visible[1:]
	}
	return visible
}
