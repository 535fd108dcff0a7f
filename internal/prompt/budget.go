package prompt

import (
	"strings"

	"go.uber.org/zap"
)

// Complexity grades a task for budgeting and chain selection.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityMedium   Complexity = "medium"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// Allocation splits a token budget across guardrail categories.
type Allocation struct {
	Core        int
	Agents      int
	Specialized int
	Learned     int
}

// Total returns the sum of all categories.
func (a Allocation) Total() int { return a.Core + a.Agents + a.Specialized + a.Learned }

// modelBudgets maps normalised model names to their max context tokens.
var modelBudgets = map[string]int{
	"claude-opus-4":   10000,
	"claude-sonnet-4": 6000,
	"claude-haiku":    4000,
	"gpt-4":           4000,
	"gpt-4-turbo":     8000,
	"gpt-3.5-turbo":   2000,
	"gemini-pro":      5000,
	"gemini-ultra":    8000,
	"default":         5000,
}

// complexityMultipliers scale the model budget by task complexity.
var complexityMultipliers = map[Complexity]float64{
	ComplexitySimple:   0.3,
	ComplexityMedium:   0.6,
	ComplexityComplex:  0.9,
	ComplexityCritical: 1.0,
}

// Allocation ratios across guardrail categories; they sum to 1.0.
const (
	ratioCore        = 0.3
	ratioAgents      = 0.4
	ratioSpecialized = 0.2
	ratioLearned     = 0.1
)

// BudgetManager computes token budgets per model, complexity, and mode.
type BudgetManager struct {
	logger *zap.Logger
}

// NewBudgetManager builds a budget manager.
func NewBudgetManager(logger *zap.Logger) *BudgetManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetManager{logger: logger}
}

// GetBudget returns floor(base(model) * multiplier(complexity)).
// Unknown models fall back to the default budget; unknown complexities
// to the medium multiplier.
func (b *BudgetManager) GetBudget(model string, complexity Complexity) int {
	key := NormalizeModel(model)
	base := modelBudgets[key]

	multiplier, ok := complexityMultipliers[complexity]
	if !ok {
		multiplier = complexityMultipliers[ComplexityMedium]
	}

	budget := int(float64(base) * multiplier)
	b.logger.Debug("budget calculated",
		zap.String("model", model),
		zap.String("model_key", key),
		zap.String("complexity", string(complexity)),
		zap.Int("budget", budget))
	return budget
}

// Allocate splits the total across categories. The integer rounding
// remainder is added to core, so the parts always sum to the input.
func (b *BudgetManager) Allocate(total int) Allocation {
	a := Allocation{
		Core:        int(float64(total) * ratioCore),
		Agents:      int(float64(total) * ratioAgents),
		Specialized: int(float64(total) * ratioSpecialized),
		Learned:     int(float64(total) * ratioLearned),
	}
	a.Core += total - a.Total()
	return a
}

// AdjustForMode scales the budget for strict mode (+30%); any other mode
// is identity.
func (b *BudgetManager) AdjustForMode(budget int, mode string) int {
	if mode == "strict" {
		return int(float64(budget) * 1.3)
	}
	return budget
}

// EstimateTokens approximates token count as len/4.
func EstimateTokens(text string) int { return len(text) / 4 }

// NormalizeModel folds raw model names (any casing, version suffixes)
// into the closed budget-key set.
func NormalizeModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return "claude-opus-4"
	case strings.Contains(m, "sonnet"):
		return "claude-sonnet-4"
	case strings.Contains(m, "haiku"):
		return "claude-haiku"
	case strings.Contains(m, "gpt-4-turbo"), strings.Contains(m, "gpt-4-1106"):
		return "gpt-4-turbo"
	case strings.Contains(m, "gpt-4"):
		return "gpt-4"
	case strings.Contains(m, "gpt-3.5"), strings.Contains(m, "gpt-35"):
		return "gpt-3.5-turbo"
	case strings.Contains(m, "gemini-ultra"):
		return "gemini-ultra"
	case strings.Contains(m, "gemini"):
		return "gemini-pro"
	}
	return "default"
}
