package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

// Registry holds the reviewer roster by name.
type Registry struct {
	reviewers map[string]Reviewer
}

// NewRegistry builds the full reviewer roster.
func NewRegistry() *Registry {
	r := &Registry{reviewers: make(map[string]Reviewer)}
	for _, reviewer := range reviewerRoster() {
		r.reviewers[reviewer.Name()] = reviewer
	}
	return r
}

// Get returns the named reviewer.
func (r *Registry) Get(name string) (Reviewer, bool) {
	reviewer, ok := r.reviewers[name]
	return reviewer, ok
}

// Names lists registered reviewer names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.reviewers))
	for name := range r.reviewers {
		out = append(out, name)
	}
	return out
}

// ChainResult is the outcome of running a reviewer chain.
type ChainResult struct {
	Decisions []Decision
	Approved  bool
	HaltedAt  string // reviewer that rejected, "" when all approved
	Activity  []store.AgentActivityRow
}

// Runner executes reviewer chains sequentially.
type Runner struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRunner builds a chain runner.
func NewRunner(registry *Registry, logger *zap.Logger) *Runner {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run evaluates each reviewer in order over the shared context. A
// non-approved decision halts the chain. Unknown reviewer names are an
// error; a cancelled context stops between reviewers.
func (r *Runner) Run(ctx context.Context, chain []string, actx *Context) (ChainResult, error) {
	result := ChainResult{Approved: true}

	for _, name := range chain {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		reviewer, ok := r.registry.Get(name)
		if !ok {
			return result, fmt.Errorf("unknown agent %q", name)
		}

		start := time.Now()
		decision := reviewer.Evaluate(actx)
		elapsed := time.Since(start).Milliseconds()

		result.Decisions = append(result.Decisions, decision)
		result.Activity = append(result.Activity, activityRow(decision, elapsed))

		r.logger.Debug("reviewer evaluated",
			zap.String("agent", name),
			zap.Bool("approved", decision.Approved),
			zap.Float64("confidence", decision.Confidence),
			zap.Int("suggestions", len(decision.Suggestions)))

		if !decision.Approved {
			result.Approved = false
			result.HaltedAt = name
			r.logger.Info("agent chain halted",
				zap.String("agent", name),
				zap.String("reason", decision.Reason))
			break
		}
	}
	return result, nil
}

func activityRow(d Decision, elapsedMS int64) store.AgentActivityRow {
	meta, _ := json.Marshal(map[string]any{
		"confidence":  d.Confidence,
		"reason":      d.Reason,
		"suggestions": d.Suggestions,
		"next_agent":  d.NextAgent,
	})
	row := store.AgentActivityRow{
		AgentName:       d.AgentName,
		Action:          "evaluate",
		Success:         d.Approved,
		ExecutionTimeMS: elapsedMS,
		Metadata:        string(meta),
	}
	if !d.Approved {
		row.ErrorMessage = d.Reason
	}
	return row
}
