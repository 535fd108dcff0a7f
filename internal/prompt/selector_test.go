package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSelector() *Selector {
	return NewSelector(NewBudgetManager(zap.NewNop()), zap.NewNop())
}

func TestSelect_AlwaysFileIsMandatory(t *testing.T) {
	s := newTestSelector()

	// Even a zero budget cannot evict the mandatory file.
	files := s.Select(SelectionRequest{Prompt: "anything", Mode: "standard", TokenBudget: 0})
	assert.Equal(t, []string{AlwaysFile}, files)
}

func TestSelect_TaskTypeRouting(t *testing.T) {
	s := newTestSelector()

	files := s.Select(SelectionRequest{
		TaskType: "authentication", Mode: "standard", TokenBudget: 5000,
	})
	assert.Equal(t, []string{
		AlwaysFile,
		"core/security_baseline.md",
		"specialized/auth_security.md",
	}, files)
}

func TestSelect_KeywordMatches(t *testing.T) {
	s := newTestSelector()

	files := s.Select(SelectionRequest{
		Prompt: "add a gdpr consent flow with data retention rules",
		Mode:   "standard", TokenBudget: 5000,
	})
	assert.Contains(t, files, "specialized/compliance_gdpr.md")
}

func TestSelect_StrictAddsCoreFiles(t *testing.T) {
	s := newTestSelector()

	files := s.Select(SelectionRequest{
		TaskType: "database", Mode: "strict", TokenBudget: 5000,
	})
	assert.Equal(t, []string{
		AlwaysFile,
		"core/security_baseline.md",
		"core/testing_baseline.md",
		"specialized/database_design.md",
	}, files, "strict mode pulls in all core files, sorted by priority")
}

func TestSelect_BudgetExcludesExpensiveFiles(t *testing.T) {
	s := newTestSelector()

	// 354 (always) + 516 (deployment_ops) exceeds 600.
	files := s.Select(SelectionRequest{
		TaskType: "deployment", Mode: "standard", TokenBudget: 600,
	})
	assert.Equal(t, []string{AlwaysFile}, files)

	files = s.Select(SelectionRequest{
		TaskType: "deployment", Mode: "standard", TokenBudget: 1000,
	})
	assert.Contains(t, files, "specialized/deployment_ops.md")
}

func TestSelect_CreativeOverride(t *testing.T) {
	s := newTestSelector()

	files := s.Select(SelectionRequest{
		Prompt: "brainstorm api designs for the new database schema",
		Mode:   "strict", TokenBudget: 5000,
	})
	assert.Equal(t, []string{AlwaysFile}, files,
		"creative markers reset selection to the mandatory file")
}

func TestSelect_DynamicBudgetFromModel(t *testing.T) {
	s := newTestSelector()

	// simple budget for gpt-3.5 is 600 tokens; only the mandatory file and
	// the cheapest match fit.
	files := s.Select(SelectionRequest{
		TaskType: "testing", Mode: "standard",
		Model: "gpt-3.5-turbo", Complexity: ComplexitySimple,
	})
	assert.Equal(t, []string{AlwaysFile, "core/testing_baseline.md"}, files)
}

func TestSelect_SortedByPriority(t *testing.T) {
	s := newTestSelector()

	files := s.Select(SelectionRequest{
		Prompt: "secure the api endpoint with unit test coverage",
		Mode:   "standard", TokenBudget: 10000,
	})
	require.NotEmpty(t, files)
	assert.Equal(t, AlwaysFile, files[0])
	for i := 1; i < len(files); i++ {
		assert.LessOrEqual(t, catalogue[files[i-1]].Priority, catalogue[files[i]].Priority)
	}
}

func TestTokenEstimate(t *testing.T) {
	s := newTestSelector()
	assert.Equal(t, 354+194, s.TokenEstimate([]string{AlwaysFile, "core/testing_baseline.md"}))
	assert.Equal(t, 500, s.TokenEstimate([]string{"specialized/not_shipped.md"}),
		"unknown files fall back to the default estimate")
}

func TestClassifyTaskType(t *testing.T) {
	s := newTestSelector()

	tests := []struct {
		prompt string
		want   string
	}{
		{"implement user authentication with mfa", "authentication"},
		{"write a database migration for the orders table", "database"},
		{"add gdpr data retention controls", "gdpr"},
		{"set up the docker deployment pipeline", "deployment"},
		{"the weather is nice today", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.ClassifyTaskType(tt.prompt), tt.prompt)
	}
}
