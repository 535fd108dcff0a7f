package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/analysis"
	"guardloop/internal/store"
)

func coverage(v float64) *float64 { return &v }

func getReviewer(t *testing.T, name string) Reviewer {
	t.Helper()
	r, ok := NewRegistry().Get(name)
	require.True(t, ok, "reviewer %s must be registered", name)
	return r
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, confidence(true, 0, 5))
	assert.InDelta(t, 0.88, confidence(true, 2, 5), 1e-9)
	assert.InDelta(t, 0.62, confidence(false, 2, 5), 1e-9)
	assert.Equal(t, 1.0, confidence(false, 10, 3), "confidence caps at 1")
	assert.Equal(t, 1.0, confidence(true, 0, 0))
}

func TestArchitect_RejectsVaguePrompt(t *testing.T) {
	architect := getReviewer(t, "architect")

	d := architect.Evaluate(&Context{Prompt: "make it better"})
	assert.False(t, d.Approved)
	assert.Empty(t, d.NextAgent, "rejection clears the successor")
	assert.NotEmpty(t, d.Suggestions)
}

func TestArchitect_ApprovesSpecificPrompt(t *testing.T) {
	architect := getReviewer(t, "architect")

	d := architect.Evaluate(&Context{
		Prompt:    "the api in server/routes.go should return the user model when authenticated",
		RawOutput: "database schema, backend api, frontend ui, with security via mfa and rbac, caching for scale, retry on error",
		Parsed:    &analysis.ParsedResponse{},
	})
	assert.True(t, d.Approved)
	assert.Equal(t, "dba", d.NextAgent)
}

func TestTester_CoverageGate(t *testing.T) {
	tester := getReviewer(t, "tester")

	d := tester.Evaluate(&Context{
		Parsed:    &analysis.ParsedResponse{TestCoverage: coverage(80)},
		RawOutput: "unit tests with e2e integration test suite, sql injection and xss security test, edge case boundary checks",
	})
	assert.False(t, d.Approved, "coverage below 100 blocks approval")

	d = tester.Evaluate(&Context{
		Parsed:    &analysis.ParsedResponse{TestCoverage: coverage(100)},
		RawOutput: "e2e integration test suite, sql injection and xss security test, edge case boundary checks, performance benchmark",
	})
	assert.True(t, d.Approved)
	assert.Equal(t, "secops", d.NextAgent)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestCoder_RequiresCodeBlocks(t *testing.T) {
	coder := getReviewer(t, "coder")

	d := coder.Evaluate(&Context{Prompt: "implement it", RawOutput: "here you go"})
	assert.False(t, d.Approved)

	d = coder.Evaluate(&Context{
		Parsed: &analysis.ParsedResponse{CodeBlocks: []analysis.CodeBlock{
			{Language: "go", Content: "if err != nil { logger.Error(err) }"},
		}},
	})
	assert.True(t, d.Approved)
	assert.Equal(t, "tester", d.NextAgent)
}

func TestSecops_BlocksHardcodedCredentials(t *testing.T) {
	secops := getReviewer(t, "secops")

	d := secops.Evaluate(&Context{
		Parsed: &analysis.ParsedResponse{CodeBlocks: []analysis.CodeBlock{
			{Language: "python", Content: `api_key = "sk-12345"`},
		}},
	})
	assert.False(t, d.Approved)
}

func TestEvaluator_Terminal(t *testing.T) {
	evaluator := getReviewer(t, "evaluator")

	blocks := []analysis.CodeBlock{{Language: "go", Content: "package main"}}
	d := evaluator.Evaluate(&Context{
		Parsed: &analysis.ParsedResponse{CodeBlocks: blocks},
	})
	assert.True(t, d.Approved)
	assert.Empty(t, d.NextAgent, "evaluator never proposes a successor")

	d = evaluator.Evaluate(&Context{
		Parsed: &analysis.ParsedResponse{CodeBlocks: blocks},
		Violations: []analysis.Violation{
			{Rule: "mfa_azure_ad", Severity: store.SeverityCritical},
		},
		Failures: []analysis.DetectedFailure{
			{Category: "Looping", Severity: store.SeverityCritical},
		},
	})
	assert.False(t, d.Approved)
	assert.Contains(t, d.Suggestions, "Fix 1 critical violations")
	assert.Contains(t, d.Suggestions, "Fix 1 critical failures")

	d = evaluator.Evaluate(&Context{})
	assert.False(t, d.Approved)
	assert.Contains(t, d.Suggestions, "No implementation provided")
}

func TestRegistry_CoversAllChainAgents(t *testing.T) {
	registry := NewRegistry()
	for task, chain := range taskAgentChains {
		for _, agent := range chain {
			_, ok := registry.Get(agent)
			assert.True(t, ok, "task %s references unregistered agent %s", task, agent)
		}
	}
	assert.Len(t, registry.Names(), 13)
}
