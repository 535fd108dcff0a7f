package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string) *SessionRecord {
	return &SessionRecord{
		Session: Session{
			ID:              id,
			Timestamp:       time.Now().UTC(),
			Tool:            "claude",
			Agent:           "auto",
			Mode:            "standard",
			Prompt:          "implement user authentication",
			AugmentedPrompt: "<guardrails>...</guardrails>",
			RawOutput:       "done",
			ParsedOutput:    "{}",
			ViolationCount:  1,
			Approved:        true,
			ExecutionTimeMS: 1234,
		},
		Failures: []FailureModeRow{
			{Tool: "claude", Category: "Looping", Pattern: "infinite recursion", Severity: SeverityCritical, Context: "stack overflow"},
		},
		Violations: []ViolationRow{
			{GuardrailType: "bpsbs", RuleID: "three_layer", Severity: SeverityHigh, Description: "missing database layer"},
		},
		AgentActivity: []AgentActivityRow{
			{AgentName: "architect", Action: "evaluate", Success: true, ExecutionTimeMS: 5},
		},
		Classification: &TaskClassificationRow{TaskType: "code", Confidence: 0.8, RequiresGuardrails: true, Features: "{}"},
	}
}

func TestSaveSession_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(sampleRecord("sess-1")))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "claude", got.Tool)
	assert.Equal(t, 1, got.ViolationCount)
	assert.True(t, got.Approved)

	failures, err := s.FailuresSince(time.Now().Add(-time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "Looping", failures[0].Category)
	assert.Equal(t, SeverityCritical, failures[0].Severity)
}

func TestSaveSession_RejectsUnknownSeverity(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord("sess-bad")
	rec.Failures[0].Severity = "catastrophic"
	assert.Error(t, s.SaveSession(rec))
}

func TestDeleteSession_Cascades(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(sampleRecord("sess-2")))
	require.NoError(t, s.DeleteSession("sess-2"))

	failures, err := s.FailuresSince(time.Now().Add(-time.Hour), nil)
	require.NoError(t, err)
	assert.Empty(t, failures)

	violations, err := s.ViolationsSince(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestUpsertLearnedPattern_Monotonic(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	p := &LearnedPattern{
		PatternHash: "abc123",
		Category:    "Security",
		Pattern:     "hardcoded secret",
		Frequency:   3,
		Severity:    SeverityMedium,
		FirstSeen:   now.Add(-48 * time.Hour),
		LastSeen:    now.Add(-24 * time.Hour),
		Confidence:  0.6,
	}
	id1, err := s.UpsertLearnedPattern(p)
	require.NoError(t, err)

	p.Frequency = 5
	p.Severity = SeverityCritical
	p.LastSeen = now
	p.Confidence = 0.7
	id2, err := s.UpsertLearnedPattern(p)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same hash must update, not insert")

	got, err := s.LearnedPatternByHash("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.Frequency)
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.WithinDuration(t, now, got.LastSeen, 2*time.Second)

	// Regressions are ignored.
	p.Frequency = 2
	p.Severity = SeverityLow
	p.LastSeen = now.Add(-72 * time.Hour)
	_, err = s.UpsertLearnedPattern(p)
	require.NoError(t, err)
	got, err = s.LearnedPatternByHash("abc123")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Frequency)
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.WithinDuration(t, now, got.LastSeen, 2*time.Second)
}

func insertTrialGuardrail(t *testing.T, s *Store) int64 {
	t.Helper()
	now := time.Now().UTC()
	pid, err := s.UpsertLearnedPattern(&LearnedPattern{
		PatternHash: "hash-" + t.Name(),
		Category:    "Testing",
		Pattern:     "missing unit tests",
		Frequency:   4,
		Severity:    SeverityHigh,
		FirstSeen:   now,
		LastSeen:    now,
		Confidence:  0.75,
	})
	require.NoError(t, err)

	id, err := s.InsertDynamicGuardrail(&DynamicGuardrail{
		PatternID:       pid,
		RuleText:        "MUST include: unit tests",
		Category:        "Testing",
		Confidence:      0.75,
		EnforcementMode: EnforceAutoFix,
		TaskTypes:       []string{"code"},
		CreatedBy:       "pattern_analyzer",
	})
	require.NoError(t, err)
	return id
}

func TestTransitionGuardrail_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	id := insertTrialGuardrail(t, s)

	ok, err := s.TransitionGuardrail(id, StatusTrial, StatusValidated, "", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionGuardrail(id, StatusValidated, StatusEnforced, EnforceBlock, "")
	require.NoError(t, err)
	assert.True(t, ok)

	g, err := s.GuardrailByID(id)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, StatusEnforced, g.Status)
	assert.Equal(t, EnforceBlock, g.EnforcementMode)
	assert.NotNil(t, g.ActivatedAt)

	// Repeating the transition is a no-op.
	ok, err = s.TransitionGuardrail(id, StatusValidated, StatusEnforced, EnforceBlock, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionGuardrail_DeprecationIsTerminal(t *testing.T) {
	s := newTestStore(t)
	id := insertTrialGuardrail(t, s)

	ok, err := s.TransitionGuardrail(id, StatusTrial, StatusDeprecated, "", "too many false positives")
	require.NoError(t, err)
	assert.True(t, ok)

	g, err := s.GuardrailByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, g.Status)
	assert.NotNil(t, g.DeactivatedAt)

	ok, err = s.TransitionGuardrail(id, StatusDeprecated, StatusValidated, "", "")
	require.NoError(t, err)
	assert.False(t, ok, "deprecated rules must never reactivate")
}

func TestActiveGuardrails_ExcludesTrialAndDeprecated(t *testing.T) {
	s := newTestStore(t)
	trial := insertTrialGuardrail(t, s)

	active, err := s.ActiveGuardrails(0)
	require.NoError(t, err)
	assert.Empty(t, active, "trial rules are not active")

	ok, err := s.TransitionGuardrail(trial, StatusTrial, StatusValidated, "", "")
	require.NoError(t, err)
	require.True(t, ok)

	active, err = s.ActiveGuardrails(0)
	require.NoError(t, err)
	require.Len(t, active, 1)

	ok, err = s.TransitionGuardrail(trial, StatusValidated, StatusDeprecated, "", "noisy")
	require.NoError(t, err)
	require.True(t, ok)

	active, err = s.ActiveGuardrails(0)
	require.NoError(t, err)
	assert.Empty(t, active, "deprecated rules are never returned")
}

func TestRecordEffectiveness_Accumulates(t *testing.T) {
	s := newTestStore(t)
	id := insertTrialGuardrail(t, s)
	date := time.Now().UTC().Format("2006-01-02")

	require.NoError(t, s.RecordEffectiveness(id, date, true, true, false, 0.8))
	require.NoError(t, s.RecordEffectiveness(id, date, false, false, true, 0.6))

	sum, err := s.GuardrailEffectiveness(id, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TimesTriggered)
	assert.Equal(t, 1, sum.PreventedFailures)
	assert.Equal(t, 1, sum.TruePositives)
	assert.Equal(t, 1, sum.FalsePositives)
}

func TestConversationTurns_DenseAndOrdered(t *testing.T) {
	s := newTestStore(t)

	for i, msg := range []string{"hello", "hi there", "explain"} {
		role := "user"
		if i == 1 {
			role = "assistant"
		}
		turn, err := s.AppendConversationTurn("conv-1", role, msg, 10, "")
		require.NoError(t, err)
		assert.Equal(t, i, turn)
	}

	turns, err := s.ConversationTurns("conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.TurnNumber, "turn numbers must be dense")
	}
}

func TestAppendConversationTurn_RejectsBadInput(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendConversationTurn("conv-2", "wizard", "hi", 0, "")
	assert.Error(t, err)

	_, err = s.AppendConversationTurn("conv-2", "user", "hi", -5, "")
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(sampleRecord("sess-3")))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Sessions)
	assert.Equal(t, int64(1), stats.FailureModes)
	assert.Equal(t, int64(1), stats.Violations)
	assert.Positive(t, stats.DiskBytes)
}

func TestDeleteSessionsBefore(t *testing.T) {
	s := newTestStore(t)

	old := sampleRecord("sess-old")
	old.Session.Timestamp = time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, s.SaveSession(old))
	require.NoError(t, s.SaveSession(sampleRecord("sess-new")))

	n, err := s.DeleteSessionsBefore(time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetSession("sess-new")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
