// Package agents implements the reviewer chain: a roster of heuristic
// policy reviewers, the chain optimiser that picks a minimal ordered
// subset per task, and the runner that executes the chain over a parsed
// response.
package agents

import (
	"guardloop/internal/analysis"
)

// Context bundles everything a reviewer may inspect. Reviewers are pure
// over this value and never perform IO.
type Context struct {
	Prompt     string
	Mode       string
	Parsed     *analysis.ParsedResponse
	Violations []analysis.Violation
	Failures   []analysis.DetectedFailure
	RawOutput  string
	Tool       string
}

// Decision is one reviewer's verdict.
type Decision struct {
	AgentName   string
	Approved    bool
	Reason      string
	Suggestions []string
	NextAgent   string
	Confidence  float64
}

// Reviewer evaluates a context and renders a decision.
type Reviewer interface {
	Name() string
	Evaluate(ctx *Context) Decision
}

// confidence scales with the share of failed checks. An approval with
// issues is less confident; a rejection with many issues is more
// confident.
func confidence(approved bool, issues, checks int) float64 {
	if checks == 0 {
		return 1.0
	}
	ratio := float64(issues) / float64(checks)
	var c float64
	if approved {
		c = 1.0 - ratio*0.3
	} else {
		c = 0.5 + ratio*0.3
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
