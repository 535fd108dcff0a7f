package learning

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardloop/internal/prompt"
	"guardloop/internal/store"
)

func mintPattern(t *testing.T, s *store.Store, hash, category string, confidence float64, severity store.Severity) *store.LearnedPattern {
	t.Helper()
	p := &store.LearnedPattern{
		PatternHash: hash,
		Category:    category,
		Pattern:     "test_pattern_" + hash,
		Description: "quality: missing error handling (seen 4 times)",
		Frequency:   4,
		Severity:    severity,
		FirstSeen:   time.Now().UTC().Add(-time.Hour),
		LastSeen:    time.Now().UTC(),
		Confidence:  confidence,
	}
	id, err := s.UpsertLearnedPattern(p)
	require.NoError(t, err)
	p.ID = id
	return p
}

func insertRule(t *testing.T, s *store.Store, patternID int64, g store.DynamicGuardrail) store.DynamicGuardrail {
	t.Helper()
	g.PatternID = patternID
	if g.CreatedBy == "" {
		g.CreatedBy = "pattern_analyzer"
	}
	id, err := s.InsertDynamicGuardrail(&g)
	require.NoError(t, err)
	g.ID = id
	return g
}

func TestDeriveRuleText(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"quality: missing error handling (seen 4 times)", "MUST include: quality: missing error handling (seen 4 times)"},
		{"quality: forgot to close the file (seen 3 times)", "DO NOT forget: quality: forgot to close the file (seen 3 times)"},
		{"quality: omitted null checks (seen 3 times)", "DO NOT forget: quality: omitted null checks (seen 3 times)"},
		{"quality: incorrect type conversion (seen 5 times)", "AVOID: quality: incorrect type conversion (seen 5 times)"},
		{"quality: wrong endpoint called (seen 3 times)", "AVOID: quality: wrong endpoint called (seen 3 times)"},
		{"quality: truncated response (seen 3 times)", "LEARNED: quality: truncated response (seen 3 times)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, deriveRuleText(tc.description), tc.description)
	}
}

func TestGenerateFromPattern(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())

	t.Run("below confidence floor", func(t *testing.T) {
		p := mintPattern(t, s, "hash-low", "quality", 0.65, store.SeverityHigh)
		g, err := m.GenerateFromPattern(p, nil)
		require.NoError(t, err)
		assert.Nil(t, g)
	})

	t.Run("mints trial rule", func(t *testing.T) {
		p := mintPattern(t, s, "hash-crit", "quality", 0.85, store.SeverityCritical)
		g, err := m.GenerateFromPattern(p, nil)
		require.NoError(t, err)
		require.NotNil(t, g)

		assert.Equal(t, store.StatusTrial, g.Status)
		assert.Equal(t, store.EnforceBlock, g.EnforcementMode)
		assert.Equal(t, []string{"code", "mixed"}, g.TaskTypes)
		assert.Equal(t, "pattern_analyzer", g.CreatedBy)
		assert.Equal(t, "MUST include: quality: missing error handling (seen 4 times)", g.RuleText)
		assert.Contains(t, g.Metadata, `"pattern_hash":"hash-crit"`)
	})

	t.Run("returns existing rule on repeat", func(t *testing.T) {
		p := mintPattern(t, s, "hash-dup", "quality", 0.9, store.SeverityHigh)
		first, err := m.GenerateFromPattern(p, []string{"code"})
		require.NoError(t, err)
		second, err := m.GenerateFromPattern(p, []string{"code"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, store.EnforceAutoFix, first.EnforcementMode)
	})
}

func TestEnforcementForSeverity(t *testing.T) {
	assert.Equal(t, store.EnforceWarn, enforcementForSeverity(store.SeverityLow))
	assert.Equal(t, store.EnforceWarn, enforcementForSeverity(store.SeverityMedium))
	assert.Equal(t, store.EnforceAutoFix, enforcementForSeverity(store.SeverityHigh))
	assert.Equal(t, store.EnforceBlock, enforcementForSeverity(store.SeverityCritical))
}

func TestLifecycle(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-life", "quality", 0.8, store.SeverityHigh)
	g, err := m.GenerateFromPattern(p, nil)
	require.NoError(t, err)
	require.NotNil(t, g)

	// Trial rules cannot jump straight to enforced.
	ok, err := m.PromoteToEnforced(g.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.PromoteToValidated(g.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-validating is a no-op.
	ok, err = m.PromoteToValidated(g.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.PromoteToEnforced(g.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GuardrailByID(g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnforced, got.Status)
	assert.Equal(t, store.EnforceBlock, got.EnforcementMode)

	ok, err = m.Deprecate(g.ID, store.StatusEnforced, "noisy")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GuardrailByID(g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeprecated, got.Status)
	assert.NotNil(t, got.DeactivatedAt)
}

func TestGetActive_Filters(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-filter", "quality", 0.9, store.SeverityHigh)

	insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: still on trial", Category: "quality", Confidence: 0.9,
		Status: store.StatusTrial, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: low confidence", Category: "quality", Confidence: 0.6,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: creative only", Category: "quality", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"creative"},
	})
	want := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: applies to code", Category: "quality", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code", "mixed"},
	})

	got, err := m.GetActive(context.Background(), "code", "", 0.7, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
}

func TestGetActive_KeywordRelevanceOrdering(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-rank", "security", 0.9, store.SeverityHigh)

	other := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: keep formatting consistent", Category: "quality", Confidence: 0.8,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	relevant := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "MUST include: auth token validation", Category: "security", Confidence: 0.8,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})

	got, err := m.GetActive(context.Background(), "code", "add auth token checks to the login flow", 0.7, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, relevant.ID, got[0].ID)
	assert.Equal(t, other.ID, got[1].ID)
}

func TestGetActive_MaxRules(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-max", "quality", 0.9, store.SeverityHigh)

	for i := 0; i < 8; i++ {
		insertRule(t, s, p.ID, store.DynamicGuardrail{
			RuleText: fmt.Sprintf("LEARNED: rule %d", i), Category: "quality", Confidence: 0.9,
			Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
		})
	}

	got, err := m.GetActive(context.Background(), "code", "", 0.7, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

// vectorEmbedder maps texts containing "auth" onto one axis and
// everything else onto the orthogonal one.
type vectorEmbedder struct{}

func (vectorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "auth") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func TestGetActive_SemanticPath(t *testing.T) {
	s := newTestStore(t)
	matcher := prompt.NewMatcher(vectorEmbedder{}, 0.3, zap.NewNop())
	m := NewManager(s, matcher, zap.NewNop())
	p := mintPattern(t, s, "hash-sem", "security", 0.9, store.SeverityHigh)

	relevant := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "MUST include: auth validation", Category: "security", Confidence: 0.8,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: keep formatting consistent", Category: "quality", Confidence: 0.8,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})

	got, err := m.GetActive(context.Background(), "code", "review the auth flow", 0.7, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, relevant.ID, got[0].ID)
}

func TestFormat(t *testing.T) {
	rules := []store.DynamicGuardrail{
		{
			RuleText: "MUST include: auth validation", Category: "security", Confidence: 0.9,
			EnforcementMode: store.EnforceBlock, Metadata: `{"severity":"critical"}`,
		},
		{
			RuleText: "AVOID: string concatenation in queries", Category: "security", Confidence: 0.8,
			EnforcementMode: store.EnforceAutoFix, Metadata: `{"severity":"high"}`,
		},
		{
			RuleText: "LEARNED: keep responses complete", Category: "quality", Confidence: 0.75,
			EnforcementMode: store.EnforceWarn, Metadata: `{"severity":"low"}`,
		},
	}

	got := Format(rules)
	want := strings.Join([]string{
		"# Learned Guardrails - DO NOT REPEAT THESE MISTAKES\n",
		"\n## Security\n",
		"- 🔴 **MUST include: auth validation**",
		"  - ⛔ **BLOCKING**: This will be rejected",
		"  - Confidence: 90%",
		"",
		"- 🚨 **AVOID: string concatenation in queries**",
		"  - 🔧 **AUTO-FIX**: Will be automatically corrected",
		"  - Confidence: 80%",
		"",
		"\n## Quality\n",
		"- ℹ️ **LEARNED: keep responses complete**",
		"  - Confidence: 75%",
		"",
	}, "\n")
	assert.Equal(t, want, got)

	assert.Empty(t, Format(nil))
}

func TestFormatForContext(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())

	// No rules means no block at all.
	got, err := m.FormatForContext(context.Background(), "anything", "code")
	require.NoError(t, err)
	assert.Empty(t, got)

	p := mintPattern(t, s, "hash-fmt", "security", 0.9, store.SeverityCritical)
	insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "MUST include: auth validation", Category: "security", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceBlock,
		TaskTypes: []string{"code"}, Metadata: `{"severity":"critical"}`,
	})

	got, err = m.FormatForContext(context.Background(), "add auth", "code")
	require.NoError(t, err)
	assert.Contains(t, got, "# Learned Guardrails - DO NOT REPEAT THESE MISTAKES")
	assert.Contains(t, got, "## Security")
	assert.Contains(t, got, "- 🔴 **MUST include: auth validation**")
	assert.Contains(t, got, "⛔ **BLOCKING**")
	assert.Contains(t, got, "Confidence: 90%")
}

func TestTrackEffectiveness(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-track", "quality", 0.9, store.SeverityHigh)
	g := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: x", Category: "quality", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})

	require.NoError(t, m.TrackEffectiveness(g.ID, true, true, false, 0.9))
	require.NoError(t, m.TrackEffectiveness(g.ID, false, false, true, 0.5))

	sum, err := s.GuardrailEffectiveness(g.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TimesTriggered)
	assert.Equal(t, 1, sum.PreventedFailures)
	assert.Equal(t, 1, sum.TruePositives)
	assert.Equal(t, 1, sum.FalsePositives)
}

func TestReviewLifecycles(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil, zap.NewNop())
	p := mintPattern(t, s, "hash-review", "quality", 0.9, store.SeverityHigh)

	promotable := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: promotable", Category: "quality", Confidence: 0.9,
		Status: store.StatusTrial, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	enforceable := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: enforceable", Category: "quality", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})
	noisy := insertRule(t, s, p.ID, store.DynamicGuardrail{
		RuleText: "LEARNED: noisy", Category: "quality", Confidence: 0.9,
		Status: store.StatusValidated, EnforcementMode: store.EnforceWarn, TaskTypes: []string{"code"},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.TrackEffectiveness(promotable.ID, true, true, false, 0.9))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.TrackEffectiveness(enforceable.ID, true, true, false, 0.9))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, m.TrackEffectiveness(noisy.ID, false, false, true, 0.4))
	}

	require.NoError(t, m.ReviewLifecycles())

	got, err := s.GuardrailByID(promotable.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusValidated, got.Status)

	got, err = s.GuardrailByID(enforceable.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnforced, got.Status)
	assert.Equal(t, store.EnforceBlock, got.EnforcementMode)

	got, err = s.GuardrailByID(noisy.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeprecated, got.Status)
}
