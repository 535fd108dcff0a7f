package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardloop/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveFailure(t *testing.T, s *store.Store, sessionID string, f store.FailureModeRow) {
	t.Helper()
	require.NoError(t, s.SaveSession(&store.SessionRecord{
		Session:  store.Session{ID: sessionID, Timestamp: time.Now().UTC(), Tool: "claude", Mode: "standard"},
		Failures: []store.FailureModeRow{f},
	}))
}

func saveViolation(t *testing.T, s *store.Store, sessionID string, v store.ViolationRow) {
	t.Helper()
	require.NoError(t, s.SaveSession(&store.SessionRecord{
		Session:    store.Session{ID: sessionID, Timestamp: time.Now().UTC(), Tool: "claude", Mode: "standard"},
		Violations: []store.ViolationRow{v},
	}))
}

func TestAnalyzeFailures_GroupsBySignature(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	for i := 0; i < 4; i++ {
		saveFailure(t, s, fmt.Sprintf("sess-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "quality", Pattern: "incomplete_code",
			Severity: store.SeverityCritical, Context: "missing error handling",
		})
	}
	// Below the frequency floor.
	saveFailure(t, s, "sess-x", store.FailureModeRow{
		Tool: "claude", Category: "quality", Pattern: "rare_case",
		Severity: store.SeverityCritical, Context: "one-off",
	})

	patterns, err := a.AnalyzeFailures(30, nil)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, "quality", p.Category)
	assert.Equal(t, "incomplete_code", p.Pattern)
	assert.Equal(t, 4, p.Frequency)
	assert.Equal(t, store.SeverityCritical, p.Severity)
	// min(4/10, 0.7) + (4/4)*0.3
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
	assert.Equal(t, "quality: missing error handling (seen 4 times)", p.Description)

	sum := sha256.Sum256([]byte("quality::incomplete_code"))
	assert.Equal(t, hex.EncodeToString(sum[:]), p.PatternHash)
}

func TestAnalyzeFailures_ConfidenceFloor(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	// 3 low-severity failures: 0.3 + (1/4)*0.3 = 0.375, below the floor.
	for i := 0; i < 3; i++ {
		saveFailure(t, s, fmt.Sprintf("low-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "quality", Pattern: "minor",
			Severity: store.SeverityLow, Context: "nit",
		})
	}

	patterns, err := a.AnalyzeFailures(30, nil)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestAnalyzeFailures_CategoryFilter(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	for i := 0; i < 4; i++ {
		saveFailure(t, s, fmt.Sprintf("sec-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "security", Pattern: "hardcoded_secret",
			Severity: store.SeverityCritical, Context: "token in source",
		})
		saveFailure(t, s, fmt.Sprintf("qual-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "quality", Pattern: "incomplete_code",
			Severity: store.SeverityCritical, Context: "stub left behind",
		})
	}

	patterns, err := a.AnalyzeFailures(30, []string{"security"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "security", patterns[0].Category)
}

func TestAnalyzeFailures_ExampleSessionCap(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	for i := 0; i < 7; i++ {
		saveFailure(t, s, fmt.Sprintf("cap-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "quality", Pattern: "incomplete_code",
			Severity: store.SeverityMedium, Context: "stub",
		})
	}

	patterns, err := a.AnalyzeFailures(30, nil)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 7, patterns[0].Frequency)
	assert.Len(t, patterns[0].ExampleSessions, 5)
}

func TestAnalyzeFailures_UpsertsOnRerun(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	for i := 0; i < 4; i++ {
		saveFailure(t, s, fmt.Sprintf("re-%d", i), store.FailureModeRow{
			Tool: "claude", Category: "quality", Pattern: "incomplete_code",
			Severity: store.SeverityCritical, Context: "stub",
		})
	}

	first, err := a.AnalyzeFailures(30, nil)
	require.NoError(t, err)
	second, err := a.AnalyzeFailures(30, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "reruns fold into the same row")
}

func TestAnalyzeViolations(t *testing.T) {
	s := newTestStore(t)
	a := NewPatternAnalyzer(s, zap.NewNop())

	for i := 0; i < 7; i++ {
		saveViolation(t, s, fmt.Sprintf("v-%d", i), store.ViolationRow{
			GuardrailType: "bpsbs", RuleID: "no_incomplete_code",
			Severity: store.SeverityHigh, Description: "stub detected",
		})
	}
	// Below the frequency floor.
	saveViolation(t, s, "v-x", store.ViolationRow{
		GuardrailType: "ai", RuleID: "no_hallucination",
		Severity: store.SeverityCritical, Description: "made-up api",
	})

	patterns, err := a.AnalyzeViolations(30)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, "bpsbs", p.Category)
	assert.Equal(t, "no_incomplete_code", p.Pattern)
	assert.Equal(t, 7, p.Frequency)
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
	assert.Equal(t, `Repeated violation of bpsbs rule "no_incomplete_code" (7 times)`, p.Description)
	assert.Equal(t, store.SeverityHigh, p.Severity)
}

func TestFailureConfidence(t *testing.T) {
	mk := func(n int, sev store.Severity) []store.FailureModeRow {
		out := make([]store.FailureModeRow, n)
		for i := range out {
			out[i] = store.FailureModeRow{Severity: sev}
		}
		return out
	}

	// Frequency score caps at 0.7 no matter how often it recurs.
	assert.InDelta(t, 1.0, failureConfidence(mk(50, store.SeverityCritical)), 1e-9)
	// 5 highs: 0.5 + (3/4)*0.3
	assert.InDelta(t, 0.725, failureConfidence(mk(5, store.SeverityHigh)), 1e-9)
	// 3 lows: 0.3 + (1/4)*0.3
	assert.InDelta(t, 0.375, failureConfidence(mk(3, store.SeverityLow)), 1e-9)
}
