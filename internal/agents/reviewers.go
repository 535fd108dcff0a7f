package agents

import (
	"fmt"
	"strings"

	"guardloop/internal/store"
)

// check is one heuristic a reviewer applies. Blocking checks withhold
// approval; advisory checks only add suggestions. A nil applies means
// the check always runs.
type check struct {
	blocking   bool
	applies    func(ctx *Context) bool
	passes     func(ctx *Context) bool
	suggestion string
}

// checklistReviewer is the shared reviewer shape: a named list of checks
// with fixed reasons and a successor.
type checklistReviewer struct {
	name           string
	nextAgent      string
	approvedReason string
	rejectedReason string
	checks         []check
}

func (r *checklistReviewer) Name() string { return r.name }

func (r *checklistReviewer) Evaluate(ctx *Context) Decision {
	var suggestions []string
	approved := true
	issues := 0
	total := 0

	for _, c := range r.checks {
		if c.applies != nil && !c.applies(ctx) {
			continue
		}
		total++
		if c.passes(ctx) {
			continue
		}
		issues++
		if c.blocking {
			approved = false
		}
		suggestions = append(suggestions, c.suggestion)
	}

	reason := r.approvedReason
	next := r.nextAgent
	if !approved {
		reason = r.rejectedReason
		next = ""
	}
	return Decision{
		AgentName:   r.name,
		Approved:    approved,
		Reason:      reason,
		Suggestions: suggestions,
		NextAgent:   next,
		Confidence:  confidence(approved, issues, total),
	}
}

// Text helpers shared by reviewer checks.

func promptContains(ctx *Context, keywords ...string) bool {
	return containsAny(ctx.Prompt, keywords)
}

// anywhereContains scans the prompt, raw output, and all code blocks.
func anywhereContains(ctx *Context, keywords ...string) bool {
	if containsAny(ctx.Prompt, keywords) || containsAny(ctx.RawOutput, keywords) {
		return true
	}
	return codeContains(ctx, keywords...)
}

func outputContains(ctx *Context, keywords ...string) bool {
	return containsAny(ctx.RawOutput, keywords)
}

func codeContains(ctx *Context, keywords ...string) bool {
	if ctx.Parsed == nil {
		return false
	}
	for _, block := range ctx.Parsed.CodeBlocks {
		if containsAny(block.Content, keywords) {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasParsed(ctx *Context) bool { return ctx.Parsed != nil }

func hasCodeBlocks(ctx *Context) bool {
	return ctx.Parsed != nil && len(ctx.Parsed.CodeBlocks) > 0
}

// clearRequirements needs at least two specificity signals: a path or
// file reference, a framework name, behaviour words, or data model words.
func clearRequirements(ctx *Context) bool {
	signals := 0
	if strings.ContainsAny(ctx.Prompt, "./") {
		signals++
	}
	if promptContains(ctx, "react", "vue", "angular", "django", "flask", "fastapi", "express", "next.js") {
		signals++
	}
	if promptContains(ctx, "should", "must", "will", "when", "if", "then") {
		signals++
	}
	if promptContains(ctx, "model", "schema", "table", "entity", "data") {
		signals++
	}
	return signals >= 2
}

func reviewerRoster() []Reviewer {
	return []Reviewer{
		&checklistReviewer{
			name: "orchestrator", nextAgent: "architect",
			approvedReason: "Request accepted for processing",
			rejectedReason: "Request cannot be processed",
			checks: []check{
				{blocking: true, passes: func(ctx *Context) bool { return strings.TrimSpace(ctx.Prompt) != "" },
					suggestion: "Provide a non-empty request"},
				{passes: func(ctx *Context) bool { return ctx.Tool != "" },
					suggestion: "Specify the target tool"},
			},
		},
		&checklistReviewer{
			name: "business_analyst", nextAgent: "architect",
			approvedReason: "Requirements analysis complete",
			rejectedReason: "Requirements need clarification",
			checks: []check{
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "as a ", "user story", "so that")
				}, suggestion: "Frame the requirement as a user story: As a <user>, I want <goal>, so that <benefit>"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "acceptance criteria", "success metric", "given ", "definition of done")
				}, suggestion: "Define acceptance criteria and success metrics"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "business value", "user impact", "benefit", "roi")
				}, suggestion: "Clarify business value and user impact"},
			},
		},
		&checklistReviewer{
			name: "architect", nextAgent: "dba",
			approvedReason: "Architecture validation complete",
			rejectedReason: "Architecture incomplete or missing critical elements",
			checks: []check{
				{blocking: true, passes: clearRequirements,
					suggestion: "Requirements are vague. Please specify: file path, framework, expected behavior"},
				{blocking: true, applies: hasParsed, passes: func(ctx *Context) bool {
					return outputContains(ctx, "database", "db", "sql") &&
						outputContains(ctx, "backend", "api", "server") &&
						outputContains(ctx, "frontend", "ui", "client")
				}, suggestion: "Must include 3-layer design: Database + Backend + Frontend"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "security", "mfa", "rbac", "azure ad", "authentication")
				}, suggestion: "Include security measures: MFA + Azure AD + RBAC in design"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "caching", "cache", "load balanc", "scaling", "horizontal")
				}, suggestion: "Consider scalability: caching, load balancing, horizontal scaling"},
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "error handling", "fallback", "retry", "graceful")
				}, suggestion: "Define error handling strategy and fallback mechanisms"},
			},
		},
		&checklistReviewer{
			name: "dba", nextAgent: "coder",
			approvedReason: "Database design validated",
			rejectedReason: "Database design issues found",
			checks: []check{
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "migration", "create table", "alter table")
				}, suggestion: "Provide schema migrations for all database changes"},
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "index", "primary key")
				}, suggestion: "Add indexes on foreign keys and frequently queried columns"},
				{blocking: true, applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return !codeContains(ctx, `" + `, `' + `, "\" +", "f\"select", "f\"insert")
				}, suggestion: "Use parameterized queries, never string-concatenated SQL"},
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "constraint", "foreign key", "not null", "unique")
				}, suggestion: "Enforce integrity with constraints: foreign keys, NOT NULL, UNIQUE"},
			},
		},
		&checklistReviewer{
			name: "secops", nextAgent: "coder",
			approvedReason: "Security review passed",
			rejectedReason: "Security issues found",
			checks: []check{
				{blocking: true, applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return !codeContains(ctx, "password = \"", "api_key = \"", "secret = \"", "token = \"",
						"password='", "api_key='", "secret='")
				}, suggestion: "Remove hardcoded credentials; load secrets from environment or vault"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "validation", "sanitize", "escape", "whitelist")
				}, suggestion: "Validate and sanitize all external inputs"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "mfa", "rbac", "authorization", "authentication")
				}, suggestion: "Cover authentication and authorization: MFA, RBAC, session handling"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "encrypt", "tls", "https", "hash")
				}, suggestion: "Protect data in transit and at rest: TLS, encryption, hashing"},
			},
		},
		&checklistReviewer{
			name: "coder", nextAgent: "tester",
			approvedReason: "Implementation review complete",
			rejectedReason: "Implementation incomplete",
			checks: []check{
				{blocking: true, passes: hasCodeBlocks,
					suggestion: "Provide the implementation as code blocks"},
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return codeContains(ctx, "try", "catch", "except", "if err")
				}, suggestion: "Add error handling around fallible operations"},
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return !codeContains(ctx, "todo", "fixme", "not implemented", "placeholder")
				}, suggestion: "Replace TODO/placeholder stubs with working code"},
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return codeContains(ctx, "log")
				}, suggestion: "Add logging for observability"},
			},
		},
		&checklistReviewer{
			name: "tester", nextAgent: "secops",
			approvedReason: "Test validation complete",
			rejectedReason: "Test coverage insufficient",
			checks: []check{
				{blocking: true, applies: hasParsed, passes: func(ctx *Context) bool {
					return ctx.Parsed.TestCoverage != nil && *ctx.Parsed.TestCoverage >= 100
				}, suggestion: "Test coverage must be 100% for all critical paths"},
				{blocking: true, applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "e2e", "end-to-end", "integration test")
				}, suggestion: "Missing E2E tests for user flows and integration paths"},
				{blocking: true, applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "sql injection", "xss", "malicious", "security test")
				}, suggestion: "Add security tests: SQL injection, XSS, malicious inputs"},
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "edge case", "boundary", "null", "empty")
				}, suggestion: "Test edge cases: null, empty, boundary values, errors"},
				{applies: hasParsed, passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "performance", "benchmark", "load test")
				}, suggestion: "Consider performance tests for critical operations"},
			},
		},
		&checklistReviewer{
			name: "debug_hunter", nextAgent: "tester",
			approvedReason: "Debug analysis complete",
			rejectedReason: "Fix lacks supporting analysis",
			checks: []check{
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "root cause", "caused by", "because")
				}, suggestion: "Document root cause analysis before applying fix"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "regression", "test")
				}, suggestion: "Add regression tests to prevent bug from recurring"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "log")
				}, suggestion: "Add logging for future debugging"},
			},
		},
		&checklistReviewer{
			name: "sre", nextAgent: "evaluator",
			approvedReason: "Operational readiness validated",
			rejectedReason: "Operational gaps found",
			checks: []check{
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "monitoring", "alert", "metric", "observability")
				}, suggestion: "Add monitoring, logging, and alerting to ensure system visibility"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "retry", "circuit breaker", "fallback", "recovery")
				}, suggestion: "Implement robust error recovery mechanisms like retries, circuit breakers, or fallbacks"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "dockerfile", "kubernetes", "health check", "deployment")
				}, suggestion: "Include deployment configurations (e.g., Dockerfile, Kubernetes YAML) and health checks"},
			},
		},
		&checklistReviewer{
			name: "standards_oracle", nextAgent: "evaluator",
			approvedReason: "Standards validated",
			rejectedReason: "Standards violations found",
			checks: []check{
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return !codeContains(ctx, "temp1", "data2", "foo", "test1")
				}, suggestion: "Follow naming conventions: descriptive names, no throwaway identifiers"},
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return !codeContains(ctx, "\t ", " \t")
				}, suggestion: "Use consistent code style (run linter/formatter)"},
				{applies: hasCodeBlocks, passes: func(ctx *Context) bool {
					return codeContains(ctx, "class", "def ", "function", "func ", "interface")
				}, suggestion: "Apply SOLID principles: Single Responsibility, DRY, KISS"},
			},
		},
		&checklistReviewer{
			name: "ux_designer", nextAgent: "coder",
			approvedReason: "UX review complete",
			rejectedReason: "UX issues found",
			checks: []check{
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "aria", "alt ", "wcag", "keyboard", "accessib")
				}, suggestion: "Ensure accessibility (WCAG 2.1) by adding ARIA labels, alt text for images, and keyboard navigation support"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "responsive", "media quer", "flexbox", "grid", "mobile")
				}, suggestion: "Implement a responsive design that works on mobile, tablet, and desktop screens"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "error state", "error message", "feedback")
				}, suggestion: "Clearly define and design error states and provide helpful user feedback mechanisms"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "loading", "spinner", "skeleton")
				}, suggestion: "Implement loading states (e.g., spinners, skeleton screens) for long operations"},
			},
		},
		&checklistReviewer{
			name: "documentation", nextAgent: "evaluator",
			approvedReason: "Documentation review complete",
			rejectedReason: "Documentation missing",
			checks: []check{
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "readme", "usage", "getting started")
				}, suggestion: "Include README with usage instructions"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "param", "returns", "@return", "args:")
				}, suggestion: "Document APIs/functions with parameters and return values"},
				{passes: func(ctx *Context) bool {
					return anywhereContains(ctx, "example", "sample")
				}, suggestion: "Provide usage examples and code samples"},
			},
		},
		&evaluatorReviewer{},
	}
}

// evaluatorReviewer is the terminal reviewer: it weighs accumulated
// violations and failures rather than re-scanning text, and never
// proposes a successor.
type evaluatorReviewer struct{}

func (e *evaluatorReviewer) Name() string { return "evaluator" }

func (e *evaluatorReviewer) Evaluate(ctx *Context) Decision {
	var suggestions []string
	approved := true
	issues := 0
	const totalChecks = 3

	criticalViolations := 0
	for _, v := range ctx.Violations {
		if v.Severity == store.SeverityCritical {
			criticalViolations++
		}
	}
	if criticalViolations > 0 {
		approved = false
		issues += criticalViolations
		suggestions = append(suggestions, fmt.Sprintf("Fix %d critical violations", criticalViolations))
	}

	criticalFailures := 0
	for _, f := range ctx.Failures {
		if f.Severity == store.SeverityCritical {
			criticalFailures++
		}
	}
	if criticalFailures > 0 {
		approved = false
		issues += criticalFailures
		suggestions = append(suggestions, fmt.Sprintf("Fix %d critical failures", criticalFailures))
	}

	if ctx.Parsed == nil || len(ctx.Parsed.CodeBlocks) == 0 {
		approved = false
		issues++
		suggestions = append(suggestions, "No implementation provided")
	}

	reason := "Final evaluation complete"
	if !approved {
		reason = "Quality issues found"
	}
	return Decision{
		AgentName:   "evaluator",
		Approved:    approved,
		Reason:      reason,
		Suggestions: suggestions,
		Confidence:  confidence(approved, issues, totalChecks),
	}
}
