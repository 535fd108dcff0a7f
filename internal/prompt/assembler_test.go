package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeGuardrailFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestAssembler(t *testing.T) (*Assembler, string, string) {
	t.Helper()
	guardrails := t.TempDir()
	agents := t.TempDir()
	writeGuardrailFile(t, guardrails, "core/always.md", "Always rules.")
	a := NewAssembler(AssemblerOptions{
		GuardrailsPath: guardrails,
		AgentsPath:     agents,
		Logger:         zap.NewNop(),
	})
	return a, guardrails, agents
}

func TestBuild_Envelope(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	got := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard"})

	want := "<guardrails>\n" +
		"# core/always.md\n\nAlways rules.\n" +
		"\n<mode>standard</mode>\n" +
		"\n<standard_mode_instructions>\n" +
		"STANDARD MODE - Balanced Validation:\n" +
		"- Follow guardrails as guidance\n" +
		"- Address critical and high-severity violations\n" +
		"- Aim for comprehensive test coverage\n" +
		"- Document major decisions and changes\n" +
		"- Consider security and UX best practices\n" +
		"</standard_mode_instructions>\n" +
		"\n</guardrails>\n" +
		"\n<system_instructions>\n" +
		"You have FULL PERMISSION to create, modify, and delete files as requested by the user.\n" +
		"When the user asks you to create a file, you should:\n" +
		"1. Include the complete code in a ```language\\n...``` code block\n" +
		"2. State that you created the file (e.g., 'Created `filename.ext`')\n" +
		"3. Do NOT ask for permission - you already have it\n" +
		"</system_instructions>\n" +
		"\n<user_request>\n" +
		"hello there\n" +
		"</user_request>"
	assert.Equal(t, want, got)
}

func TestBuild_StrictModeInstructions(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	got := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "strict"})
	assert.Contains(t, got, "<mode>strict</mode>")
	assert.Contains(t, got, "<strict_mode_instructions>")
	assert.Contains(t, got, "Any violation results in REJECTION")
	assert.NotContains(t, got, "<standard_mode_instructions>")
}

func TestBuild_AgentInstructions(t *testing.T) {
	a, _, agents := newTestAssembler(t)
	writeGuardrailFile(t, agents, "coder/summary.md", "Coder summary.")
	writeGuardrailFile(t, agents, "coder/checklist.md", "Coder checklist.")
	writeGuardrailFile(t, agents, "tester.md", "Tester flat file.")

	got := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard", Agent: "coder"})
	assert.Contains(t, got, "# Agent-Specific Instructions: CODER (summary)\n\nCoder summary.")

	got = a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "strict", Agent: "coder"})
	assert.Contains(t, got, "# Agent-Specific Instructions: CODER (checklist)\n\nCoder checklist.")

	// Flat layout fallback.
	got = a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard", Agent: "tester"})
	assert.Contains(t, got, "# Agent-Specific Instructions: TESTER (summary)\n\nTester flat file.")

	// Unknown agents contribute nothing.
	got = a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard", Agent: "wizard"})
	assert.NotContains(t, got, "Agent-Specific Instructions")
}

func TestBuild_CacheServesRepeatRequests(t *testing.T) {
	a, guardrails, _ := newTestAssembler(t)

	first := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard"})
	writeGuardrailFile(t, guardrails, "core/always.md", "CHANGED content.")

	second := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard"})
	assert.Equal(t, first, second, "within the TTL the cached block is served")

	a.RefreshCache()
	third := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard"})
	assert.Contains(t, third, "CHANGED content.")
}

type fakeRuleSource struct {
	block string
	calls int
}

func (f *fakeRuleSource) FormatForContext(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.block, nil
}

func TestBuild_DynamicRulesIncluded(t *testing.T) {
	guardrails := t.TempDir()
	writeGuardrailFile(t, guardrails, "core/always.md", "Always rules.")
	rules := &fakeRuleSource{block: "## Learned Rules\n- ALWAYS close the connection"}
	a := NewAssembler(AssemblerOptions{
		GuardrailsPath: guardrails,
		AgentsPath:     t.TempDir(),
		Rules:          rules,
		Logger:         zap.NewNop(),
	})

	got := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard", TaskType: "api"})
	assert.Contains(t, got, "Always rules.\n\n---\n\n## Learned Rules")
	assert.Equal(t, 1, rules.calls)

	// No task type means no dynamic rule lookup.
	a.RefreshCache()
	a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "standard"})
	assert.Equal(t, 1, rules.calls)
}

func TestBuild_MissingFilesSkipped(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	// Strict selection pulls in core files that are not on disk; they are
	// skipped rather than breaking assembly.
	got := a.Build(context.Background(), BuildRequest{Prompt: "hello there", Mode: "strict"})
	assert.Contains(t, got, "Always rules.")
	assert.NotContains(t, got, "# core/security_baseline.md")
}

func TestGuardrailFilesStatus(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	status := a.GuardrailFilesStatus()
	assert.True(t, status[AlwaysFile])
	assert.False(t, status["specialized/deployment_ops.md"])
	assert.Len(t, status, len(catalogue))
}

func TestValidAgent(t *testing.T) {
	assert.True(t, ValidAgent("coder"))
	assert.True(t, ValidAgent("orchestrator"))
	assert.False(t, ValidAgent("wizard"))
	assert.Len(t, AvailableAgents(), 13)
}

type fakeVersionRecorder struct {
	mu    sync.Mutex
	files map[string]string
}

func (f *fakeVersionRecorder) RecordGuardrailVersion(file, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string]string)
	}
	f.files[file] = hash
	return nil
}

func (f *fakeVersionRecorder) get(file string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.files[file]
	return h, ok
}

func TestWatch_InvalidatesCacheOnEdit(t *testing.T) {
	guardrails := t.TempDir()
	writeGuardrailFile(t, guardrails, "core/always.md", "Always rules.")
	versions := &fakeVersionRecorder{}
	a := NewAssembler(AssemblerOptions{
		GuardrailsPath: guardrails,
		AgentsPath:     t.TempDir(),
		Versions:       versions,
		Logger:         zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Watch(ctx)
	}()

	// Prime the cache, then edit the file under the watcher.
	a.Build(ctx, BuildRequest{Prompt: "hello there", Mode: "standard"})
	time.Sleep(100 * time.Millisecond)
	writeGuardrailFile(t, guardrails, "core/always.md", "EDITED rules.")

	require.Eventually(t, func() bool {
		got := a.Build(ctx, BuildRequest{Prompt: "hello there", Mode: "standard"})
		if got == "" {
			return false
		}
		_, recorded := versions.get("core/always.md")
		return recorded && strings.Contains(got, "EDITED rules.")
	}, 3*time.Second, 50*time.Millisecond)

	hash, ok := versions.get("core/always.md")
	require.True(t, ok)
	assert.Len(t, hash, 64)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
