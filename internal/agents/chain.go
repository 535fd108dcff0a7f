package agents

import (
	"time"

	"go.uber.org/zap"

	"guardloop/internal/prompt"
)

// defaultChain handles task types without a dedicated entry.
var defaultChain = []string{"architect", "coder", "tester"}

// taskAgentChains maps task types to their minimal reviewer chain.
var taskAgentChains = map[string][]string{
	// Simple tasks, single reviewer.
	"fix_typo":    {"standards_oracle"},
	"update_docs": {"documentation"},
	"format_code": {"standards_oracle"},

	// Medium tasks, focused chain.
	"implement_function": {"architect", "coder", "tester"},
	"add_tests":          {"tester"},
	"fix_bug":            {"debug_hunter", "tester"},
	"refactor":           {"architect", "coder", "tester"},

	// Complex tasks, extended chain.
	"implement_feature": {"business_analyst", "architect", "coder", "tester", "evaluator"},
	"implement_auth":    {"architect", "secops", "coder", "tester", "evaluator"},
	"database_design":   {"architect", "dba", "coder", "tester"},

	// Critical tasks, full chain plus compliance.
	"build_auth_system": {
		"business_analyst", "architect", "secops", "dba", "coder",
		"tester", "sre", "standards_oracle", "evaluator",
	},
	"implement_payment": {
		"business_analyst", "architect", "secops", "dba", "coder",
		"tester", "standards_oracle", "sre", "evaluator",
	},
	"compliance_feature": {
		"business_analyst", "architect", "secops", "coder", "tester",
		"standards_oracle", "evaluator", "documentation",
	},

	// UI/UX tasks.
	"implement_ui":          {"ux_designer", "coder", "tester"},
	"improve_accessibility": {"ux_designer", "coder", "tester"},

	// API tasks.
	"implement_api": {"architect", "coder", "tester"},
	"api_security":  {"architect", "secops", "coder", "tester"},
}

// ChainOptimizer selects the minimal reviewer chain for a task.
type ChainOptimizer struct {
	logger *zap.Logger
}

// NewChainOptimizer builds a chain optimizer.
func NewChainOptimizer(logger *zap.Logger) *ChainOptimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainOptimizer{logger: logger}
}

// SelectChain returns the ordered reviewer names for the task. A
// user-specified agent short-circuits to a single-agent chain. Strict
// mode injects secops before the first coder/tester and appends
// standards_oracle and evaluator.
func (o *ChainOptimizer) SelectChain(taskType, mode, userAgent string) []string {
	if userAgent != "" {
		o.logger.Debug("using user-specified agent", zap.String("agent", userAgent))
		return []string{userAgent}
	}

	base, ok := taskAgentChains[taskType]
	if !ok {
		base = defaultChain
	}
	chain := make([]string, len(base))
	copy(chain, base)

	if mode == "strict" {
		chain = addStrictAgents(chain)
	}

	chain = dedupe(chain)
	o.logger.Debug("agent chain selected",
		zap.String("task_type", taskType),
		zap.String("mode", mode),
		zap.Int("chain_length", len(chain)),
		zap.String("complexity", string(o.Complexity(taskType))))
	return chain
}

func addStrictAgents(chain []string) []string {
	out := make([]string, len(chain))
	copy(out, chain)

	if !containsAgent(out, "secops") {
		pos := len(out)
		for i, agent := range out {
			if agent == "coder" || agent == "tester" {
				pos = i
				break
			}
		}
		out = append(out[:pos], append([]string{"secops"}, out[pos:]...)...)
	}
	if !containsAgent(out, "standards_oracle") {
		out = append(out, "standards_oracle")
	}
	if !containsAgent(out, "evaluator") {
		out = append(out, "evaluator")
	}
	return out
}

func containsAgent(chain []string, name string) bool {
	for _, a := range chain {
		if a == name {
			return true
		}
	}
	return false
}

func dedupe(chain []string) []string {
	seen := make(map[string]bool, len(chain))
	out := chain[:0:0]
	for _, agent := range chain {
		if !seen[agent] {
			seen[agent] = true
			out = append(out, agent)
		}
	}
	return out
}

// Complexity grades a task by the length of its base chain.
func (o *ChainOptimizer) Complexity(taskType string) prompt.Complexity {
	chain, ok := taskAgentChains[taskType]
	if !ok {
		chain = defaultChain
	}
	switch n := len(chain); {
	case n <= 2:
		return prompt.ComplexitySimple
	case n <= 5:
		return prompt.ComplexityMedium
	case n <= 8:
		return prompt.ComplexityComplex
	default:
		return prompt.ComplexityCritical
	}
}

// TaskTypes lists all task types with a dedicated chain.
func (o *ChainOptimizer) TaskTypes() []string {
	out := make([]string, 0, len(taskAgentChains))
	for t := range taskAgentChains {
		out = append(out, t)
	}
	return out
}

// EstimateExecutionTime is a rough per-agent estimate, 30 seconds each,
// scaled up 30% in strict mode.
func (o *ChainOptimizer) EstimateExecutionTime(taskType, mode string) time.Duration {
	chain := o.SelectChain(taskType, mode, "")
	base := time.Duration(len(chain)) * 30 * time.Second
	if mode == "strict" {
		base = time.Duration(float64(base) * 1.3)
	}
	return base
}
