package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

// Violation is one triggered policy rule.
type Violation struct {
	GuardrailType string
	Rule          string
	Severity      store.Severity
	Description   string
	Suggestion    string
	FilePath      string
	LineNumber    int
}

// Guardrail type tags for violations.
const (
	TypeBPSBS = "bpsbs"
	TypeAI    = "ai"
	TypeUXUI  = "ux_ui"
	TypeAgent = "agent"
)

// ruleKind selects the evaluation strategy for a validation rule.
type ruleKind int

const (
	// kindAllRequired fires when any listed pattern is absent.
	kindAllRequired ruleKind = iota
	// kindAnyRequired fires when none of the patterns are present.
	kindAnyRequired
	// kindForbidden fires when any pattern is present.
	kindForbidden
	// kindNumericMin fires when the captured number is below min (or absent).
	kindNumericMin
	// kindCountMax fires when total matches exceed the limit.
	kindCountMax
)

// validationRule is one data-driven policy rule.
type validationRule struct {
	name          string
	guardrailType string
	kind          ruleKind
	patterns      []*regexp.Regexp
	severity      store.Severity
	description   string
	suggestion    string
	min           float64
	limit         int
}

var bpsbsRules = []validationRule{
	{
		name: "three_layer", guardrailType: TypeBPSBS, kind: kindAllRequired,
		patterns: compileAll(
			`(?i)\b(database|db)\b`,
			`(?i)\b(backend|api|server)\b`,
			`(?i)\b(frontend|ui|client)\b`,
		),
		severity:    store.SeverityHigh,
		description: "Missing 3-layer architecture (DB + Backend + Frontend)",
		suggestion:  "Implement all three layers: Database, Backend API, and Frontend",
	},
	{
		name: "mfa_azure_ad", guardrailType: TypeBPSBS, kind: kindAllRequired,
		patterns: compileAll(
			`(?i)\b(mfa|multi.?factor)\b`,
			`(?i)\b(azure\s+ad|entra)\b`,
		),
		severity:    store.SeverityCritical,
		description: "Missing MFA + Azure AD authentication",
		suggestion:  "Add MFA and Azure AD/Entra ID authentication",
	},
	{
		name: "emergency_admin", guardrailType: TypeBPSBS, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(emergency|panic|admin.*account)\b`),
		severity:    store.SeverityCritical,
		description: "Missing emergency admin/panic button feature",
		suggestion:  "Implement emergency admin access mechanism",
	},
	{
		name: "rbac", guardrailType: TypeBPSBS, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(rbac|role.?based|permission|authorization)\b`),
		severity:    store.SeverityHigh,
		description: "Missing RBAC (Role-Based Access Control)",
		suggestion:  "Implement role-based access control system",
	},
	{
		name: "audit_logging", guardrailType: TypeBPSBS, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(audit|log|logging|tracking)\b`),
		severity:    store.SeverityHigh,
		description: "Missing audit logging",
		suggestion:  "Add comprehensive audit logging for all actions",
	},
	{
		name: "test_coverage", guardrailType: TypeBPSBS, kind: kindNumericMin,
		patterns:    compileAll(`(?i)(?:coverage[:\s]+)?(\d+(?:\.\d+)?)\s*%`),
		severity:    store.SeverityHigh,
		description: "Test coverage below 100%",
		suggestion:  "Achieve 100% test coverage",
		min:         100,
	},
	{
		name: "export_features", guardrailType: TypeBPSBS, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(export|csv|pdf|xlsx|excel)\b`),
		severity:    store.SeverityMedium,
		description: "Missing export features (CSV, PDF, XLSX)",
		suggestion:  "Add export functionality for CSV, PDF, and XLSX formats",
	},
}

var aiRules = []validationRule{
	{
		name: "unit_tests", guardrailType: TypeAI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(unit\s+test|test\s+case)\b`),
		severity:    store.SeverityHigh,
		description: "Missing unit tests",
		suggestion:  "Add comprehensive unit tests",
	},
	{
		name: "e2e_tests", guardrailType: TypeAI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(e2e|end.?to.?end|integration\s+test)\b`),
		severity:    store.SeverityHigh,
		description: "Missing E2E/integration tests",
		suggestion:  "Add end-to-end and integration tests",
	},
	{
		name: "error_handling", guardrailType: TypeAI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(try|catch|error|exception|handle)\b`),
		severity:    store.SeverityHigh,
		description: "Missing proper error handling",
		suggestion:  "Add comprehensive error handling with try/catch blocks",
	},
	{
		name: "debug_logging", guardrailType: TypeAI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(debug|log|logger|console\.\w+)\b`),
		severity:    store.SeverityMedium,
		description: "Missing debug/logging statements",
		suggestion:  "Add debugging and logging for troubleshooting",
	},
}

var uxuiRules = []validationRule{
	{
		name: "vague_labels", guardrailType: TypeUXUI, kind: kindForbidden,
		patterns:    compileAll(`(?i)\b(ok|more|click\s+here|submit)\b`),
		severity:    store.SeverityMedium,
		description: "Vague button labels detected (OK, More, etc.)",
		suggestion:  "Use descriptive labels like 'Save Changes', 'View Details'",
	},
	{
		name: "dark_mode", guardrailType: TypeUXUI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(dark\s+mode|theme|color\s+scheme)\b`),
		severity:    store.SeverityLow,
		description: "Missing dark mode support",
		suggestion:  "Add dark mode/theme switching capability",
	},
	{
		name: "tooltips", guardrailType: TypeUXUI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(tooltip|hint|help\s+text)\b`),
		severity:    store.SeverityLow,
		description: "Missing tooltips for user guidance",
		suggestion:  "Add tooltips to explain features and inputs",
	},
	{
		name: "accessibility", guardrailType: TypeUXUI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(aria|accessibility|a11y|screen\s+reader)\b`),
		severity:    store.SeverityMedium,
		description: "Missing accessibility considerations",
		suggestion:  "Add ARIA labels and accessibility features",
	},
	{
		name: "export_buttons", guardrailType: TypeUXUI, kind: kindAnyRequired,
		patterns:    compileAll(`(?i)\b(export|download|save\s+as)\b`),
		severity:    store.SeverityMedium,
		description: "Missing export buttons",
		suggestion:  "Add export/download buttons for data",
	},
	{
		name: "max_elements", guardrailType: TypeUXUI, kind: kindCountMax,
		patterns:    compileAll(`(?i)\b(button|input|select|checkbox|radio)\b`),
		severity:    store.SeverityLow,
		description: "Too many interactive elements per screen",
		suggestion:  "Limit to 7 interactive elements per screen",
		limit:       7,
	},
}

// Validator applies the static policy rule groups to parsed output.
type Validator struct {
	logger *zap.Logger
}

// NewValidator builds a validator.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger}
}

// Validate evaluates every rule group against the parsed response and the
// raw text. It is pure: no I/O, no state.
func (v *Validator) Validate(parsed *ParsedResponse, raw string) []Violation {
	var out []Violation
	for _, group := range [][]validationRule{bpsbsRules, aiRules, uxuiRules} {
		for _, rule := range group {
			if violation := evaluateRule(rule, parsed, raw); violation != nil {
				out = append(out, *violation)
			}
		}
	}

	v.logger.Debug("validation complete", zap.Int("violations", len(out)))
	return out
}

// CriticalViolations filters to critical severity only.
func CriticalViolations(violations []Violation) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Severity == store.SeverityCritical {
			out = append(out, v)
		}
	}
	return out
}

func evaluateRule(rule validationRule, parsed *ParsedResponse, raw string) *Violation {
	violation := func(description string) *Violation {
		return &Violation{
			GuardrailType: rule.guardrailType,
			Rule:          rule.name,
			Severity:      rule.severity,
			Description:   description,
			Suggestion:    rule.suggestion,
		}
	}

	switch rule.kind {
	case kindAllRequired:
		for _, re := range rule.patterns {
			if !re.MatchString(raw) {
				return violation(rule.description)
			}
		}

	case kindAnyRequired:
		for _, re := range rule.patterns {
			if re.MatchString(raw) {
				return nil
			}
		}
		return violation(rule.description)

	case kindForbidden:
		for _, re := range rule.patterns {
			if matches := re.FindAllString(raw, 4); matches != nil {
				if len(matches) > 3 {
					matches = matches[:3]
				}
				return violation(fmt.Sprintf("%s: %s", rule.description, strings.Join(matches, ", ")))
			}
		}

	case kindNumericMin:
		value := parsed.TestCoverage
		if value == nil {
			if m := rule.patterns[0].FindStringSubmatch(raw); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					value = &f
				}
			}
		}
		if value == nil {
			return violation(rule.description)
		}
		if *value < rule.min {
			return violation(fmt.Sprintf("%s: %g%%", rule.description, *value))
		}

	case kindCountMax:
		total := 0
		for _, re := range rule.patterns {
			total += len(re.FindAllString(raw, -1))
		}
		if total > rule.limit {
			return violation(fmt.Sprintf("%s: %d found, max %d", rule.description, total, rule.limit))
		}
	}
	return nil
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}
