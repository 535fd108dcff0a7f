package adapters

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/config"
)

// ClaudeAdapter wraps the Claude CLI.
type ClaudeAdapter struct{ base }

// NewClaudeAdapter builds an adapter for the Claude binary.
func NewClaudeAdapter(cliPath string, timeout time.Duration, logger *zap.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{base: newBase("claude", cliPath, timeout, logger)}
}

// GeminiAdapter wraps the Gemini CLI.
type GeminiAdapter struct{ base }

// NewGeminiAdapter builds an adapter for the Gemini binary.
func NewGeminiAdapter(cliPath string, timeout time.Duration, logger *zap.Logger) *GeminiAdapter {
	return &GeminiAdapter{base: newBase("gemini", cliPath, timeout, logger)}
}

// CodexAdapter wraps the Codex CLI.
type CodexAdapter struct{ base }

// NewCodexAdapter builds an adapter for the Codex binary.
func NewCodexAdapter(cliPath string, timeout time.Duration, logger *zap.Logger) *CodexAdapter {
	return &CodexAdapter{base: newBase("codex", cliPath, timeout, logger)}
}

// Factory hands out configured adapters by tool name.
type Factory struct {
	tools  map[string]config.ToolConfig
	logger *zap.Logger
}

// NewFactory builds a factory over the configured tool table.
func NewFactory(tools map[string]config.ToolConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{tools: tools, logger: logger}
}

// ErrToolDisabled reports a tool that is configured but switched off.
type ErrToolDisabled struct{ Tool string }

func (e *ErrToolDisabled) Error() string { return fmt.Sprintf("tool %q is disabled", e.Tool) }

// ErrToolNotConfigured reports an unknown tool name.
type ErrToolNotConfigured struct{ Tool string }

func (e *ErrToolNotConfigured) Error() string {
	return fmt.Sprintf("unsupported AI tool: %s", e.Tool)
}

// Get returns the adapter for the named tool.
func (f *Factory) Get(tool string) (Adapter, error) {
	name := strings.ToLower(tool)
	tc, ok := f.tools[name]
	if !ok {
		return nil, &ErrToolNotConfigured{Tool: tool}
	}
	if !tc.Enabled {
		return nil, &ErrToolDisabled{Tool: tool}
	}

	timeout := time.Duration(tc.Timeout) * time.Second
	switch name {
	case "claude":
		return NewClaudeAdapter(tc.CLIPath, timeout, f.logger), nil
	case "gemini":
		return NewGeminiAdapter(tc.CLIPath, timeout, f.logger), nil
	case "codex":
		return NewCodexAdapter(tc.CLIPath, timeout, f.logger), nil
	}
	return nil, &ErrToolNotConfigured{Tool: tool}
}

// SupportedTools lists the configured tool names, sorted.
func (f *Factory) SupportedTools() []string {
	out := make([]string, 0, len(f.tools))
	for name := range f.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateAll checks each enabled tool's installation.
func (f *Factory) ValidateAll() map[string]bool {
	results := make(map[string]bool, len(f.tools))
	for name, tc := range f.tools {
		if !tc.Enabled {
			results[name] = false
			continue
		}
		adapter, err := f.Get(name)
		if err != nil {
			results[name] = false
			continue
		}
		results[name] = adapter.ValidateInstallation()
	}
	return results
}
