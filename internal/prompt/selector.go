package prompt

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// GuardrailFile is the index record for one policy markdown file. Selection
// decisions operate over this index; file bodies stay opaque.
type GuardrailFile struct {
	Name          string
	Category      string // core or specialized
	Keywords      []string
	TokenEstimate int
	Priority      int // 1 = mandatory, 2 = other core, 3 = specialized
}

// AlwaysFile is the mandatory policy file seeded into every selection.
const AlwaysFile = "core/always.md"

// catalogue is the fixed index of shipped policy files.
var catalogue = map[string]GuardrailFile{
	AlwaysFile: {
		Name: AlwaysFile, Category: "core", Priority: 1, TokenEstimate: 354,
		Keywords: []string{"architecture", "testing", "security", "quality", "documentation", "compliance", "workflow", "mandatory", "universal", "required"},
	},
	"core/security_baseline.md": {
		Name: "core/security_baseline.md", Category: "core", Priority: 2, TokenEstimate: 168,
		Keywords: []string{"mfa", "azure", "rbac", "authentication", "authorization", "audit", "security", "token", "session", "permission", "access"},
	},
	"core/testing_baseline.md": {
		Name: "core/testing_baseline.md", Category: "core", Priority: 2, TokenEstimate: 194,
		Keywords: []string{"test", "coverage", "unit", "e2e", "mock", "assertion", "regression", "integration", "testing", "validation"},
	},
	"specialized/auth_security.md": {
		Name: "specialized/auth_security.md", Category: "specialized", Priority: 3, TokenEstimate: 312,
		Keywords: []string{"mfa", "azure", "ad", "active directory", "rbac", "role", "permission", "jwt", "session", "oauth", "sso", "saml", "authentication", "login"},
	},
	"specialized/database_design.md": {
		Name: "specialized/database_design.md", Category: "specialized", Priority: 3, TokenEstimate: 292,
		Keywords: []string{"database", "schema", "table", "migration", "index", "constraint", "foreign key", "normalization", "sql", "query", "transaction"},
	},
	"specialized/api_patterns.md": {
		Name: "specialized/api_patterns.md", Category: "specialized", Priority: 3, TokenEstimate: 412,
		Keywords: []string{"api", "endpoint", "rest", "http", "request", "response", "json", "get", "post", "put", "patch", "delete", "versioning"},
	},
	"specialized/ui_accessibility.md": {
		Name: "specialized/ui_accessibility.md", Category: "specialized", Priority: 3, TokenEstimate: 423,
		Keywords: []string{"ui", "component", "accessibility", "wcag", "aria", "responsive", "mobile", "keyboard", "screen reader", "contrast", "semantic"},
	},
	"specialized/compliance_gdpr.md": {
		Name: "specialized/compliance_gdpr.md", Category: "specialized", Priority: 3, TokenEstimate: 405,
		Keywords: []string{"gdpr", "privacy", "data protection", "consent", "retention", "erasure", "portability", "right to access", "dpo"},
	},
	"specialized/deployment_ops.md": {
		Name: "specialized/deployment_ops.md", Category: "specialized", Priority: 3, TokenEstimate: 516,
		Keywords: []string{"deployment", "ci/cd", "pipeline", "docker", "kubernetes", "monitoring", "logging", "alerting", "health check", "scaling", "backup"},
	},
}

// taskGuardrailMap routes recognised task-type strings to policy files.
var taskGuardrailMap = map[string][]string{
	"authentication": {AlwaysFile, "core/security_baseline.md", "specialized/auth_security.md"},
	"security":       {AlwaysFile, "core/security_baseline.md", "specialized/auth_security.md"},
	"vulnerability":  {"core/security_baseline.md", "specialized/auth_security.md"},
	"database":       {AlwaysFile, "specialized/database_design.md"},
	"schema":         {"specialized/database_design.md"},
	"migration":      {"specialized/database_design.md"},
	"api":            {AlwaysFile, "specialized/api_patterns.md"},
	"endpoint":       {"specialized/api_patterns.md"},
	"rest":           {"specialized/api_patterns.md"},
	"ui":             {AlwaysFile, "specialized/ui_accessibility.md"},
	"component":      {"specialized/ui_accessibility.md"},
	"frontend":       {"specialized/ui_accessibility.md"},
	"accessibility":  {"specialized/ui_accessibility.md"},
	"testing":        {AlwaysFile, "core/testing_baseline.md"},
	"test":           {"core/testing_baseline.md"},
	"e2e":            {"core/testing_baseline.md"},
	"gdpr":           {"specialized/compliance_gdpr.md"},
	"compliance":     {"specialized/compliance_gdpr.md"},
	"privacy":        {"specialized/compliance_gdpr.md"},
	"deployment":     {"specialized/deployment_ops.md"},
	"ci":             {"specialized/deployment_ops.md"},
	"cd":             {"specialized/deployment_ops.md"},
	"docker":         {"specialized/deployment_ops.md"},
	"creative":       {AlwaysFile},
	"brainstorm":     {AlwaysFile},
	"ideation":       {AlwaysFile},
}

// creativeMarkers reset selection to the mandatory file alone.
var creativeMarkers = []string{"creative", "brainstorm", "ideation", "idea"}

// Selector picks policy files for a prompt under a token budget.
type Selector struct {
	budget *BudgetManager
	logger *zap.Logger
}

// NewSelector builds a selector.
func NewSelector(budget *BudgetManager, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budget == nil {
		budget = NewBudgetManager(logger)
	}
	return &Selector{budget: budget, logger: logger}
}

// SelectionRequest carries the selector inputs.
type SelectionRequest struct {
	TaskType    string
	Prompt      string
	Mode        string
	TokenBudget int
	// Model and Complexity, when both set, override TokenBudget with the
	// dynamic budget adjusted for mode.
	Model      string
	Complexity Complexity
}

// Select returns the chosen policy file names sorted by priority.
func (s *Selector) Select(req SelectionRequest) []string {
	budget := req.TokenBudget
	if req.Model != "" && req.Complexity != "" {
		budget = s.budget.AdjustForMode(s.budget.GetBudget(req.Model, req.Complexity), req.Mode)
		s.logger.Debug("dynamic budget applied",
			zap.String("model", req.Model),
			zap.String("complexity", string(req.Complexity)),
			zap.Int("budget", budget))
	}

	selected := map[string]bool{AlwaysFile: true}
	total := catalogue[AlwaysFile].TokenEstimate

	// Task-specific files.
	if files, ok := taskGuardrailMap[strings.ToLower(req.TaskType)]; ok {
		for _, name := range files {
			if selected[name] {
				continue
			}
			tokens := catalogue[name].TokenEstimate
			if total+tokens <= budget {
				selected[name] = true
				total += tokens
			}
		}
	}

	// Keyword matches from the prompt, best match count first, cheapest
	// first on ties.
	lower := strings.ToLower(req.Prompt)
	type match struct {
		name    string
		count   int
		tokens  int
	}
	var matches []match
	for name, file := range catalogue {
		if selected[name] {
			continue
		}
		count := 0
		for _, kw := range file.Keywords {
			if strings.Contains(lower, kw) {
				count++
			}
		}
		if count > 0 {
			matches = append(matches, match{name: name, count: count, tokens: file.TokenEstimate})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].count != matches[j].count {
			return matches[i].count > matches[j].count
		}
		if matches[i].tokens != matches[j].tokens {
			return matches[i].tokens < matches[j].tokens
		}
		return matches[i].name < matches[j].name
	})
	for _, m := range matches {
		if total+m.tokens <= budget {
			selected[m.name] = true
			total += m.tokens
		}
	}

	// Strict mode pulls in any remaining core files.
	if req.Mode == "strict" {
		for name, file := range catalogue {
			if file.Category == "core" && !selected[name] && total+file.TokenEstimate <= budget {
				selected[name] = true
				total += file.TokenEstimate
			}
		}
	}

	// Creative override: mandatory file only.
	for _, marker := range creativeMarkers {
		if strings.Contains(lower, marker) {
			selected = map[string]bool{AlwaysFile: true}
			total = catalogue[AlwaysFile].TokenEstimate
			s.logger.Debug("creative marker detected, minimal guardrails")
			break
		}
	}

	out := make([]string, 0, len(selected))
	for name := range selected {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := catalogue[out[i]].Priority, catalogue[out[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})

	s.logger.Debug("guardrail selection complete",
		zap.Int("selected", len(out)), zap.Int("tokens", total), zap.Int("budget", budget))
	return out
}

// TokenEstimate sums the catalogue estimates for the given files.
func (s *Selector) TokenEstimate(files []string) int {
	total := 0
	for _, name := range files {
		if f, ok := catalogue[name]; ok {
			total += f.TokenEstimate
		} else {
			total += 500
		}
	}
	return total
}

// ClassifyTaskType infers a routing task type from prompt keywords; returns
// "" when nothing matches.
func (s *Selector) ClassifyTaskType(promptText string) string {
	lower := strings.ToLower(promptText)

	best := ""
	bestScore := 0
	// Stable iteration so ties break deterministically.
	taskTypes := make([]string, 0, len(taskGuardrailMap))
	for t := range taskGuardrailMap {
		taskTypes = append(taskTypes, t)
	}
	sort.Strings(taskTypes)

	for _, taskType := range taskTypes {
		score := 0
		if strings.Contains(lower, taskType) {
			score += 10
		}
		for _, name := range taskGuardrailMap[taskType] {
			for _, kw := range catalogue[name].Keywords {
				if strings.Contains(lower, kw) {
					score++
				}
			}
		}
		if score > bestScore {
			best = taskType
			bestScore = score
		}
	}
	return best
}
