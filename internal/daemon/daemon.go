// Package daemon sequences the request pipeline: classify, build
// context, execute the tool, analyse the output, run the reviewer
// chain, enforce, and persist.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guardloop/internal/adapters"
	"guardloop/internal/agents"
	"guardloop/internal/analysis"
	"guardloop/internal/config"
	"guardloop/internal/conversation"
	"guardloop/internal/fileops"
	"guardloop/internal/prompt"
	"guardloop/internal/store"
)

// AIRequest is one request entering the pipeline.
type AIRequest struct {
	Tool           string
	Prompt         string
	Agent          string
	Mode           string
	SessionID      string
	ConversationID string
	ProjectRoot    string
	Stream         adapters.StreamFunc
}

// AIResult is the synchronous outcome of a processed request.
type AIResult struct {
	SessionID         string
	RawOutput         string
	Parsed            *analysis.ParsedResponse
	Violations        []analysis.Violation
	Failures          []analysis.DetectedFailure
	Approved          bool
	ExecutionMS       int64
	Classification    *prompt.Classification
	AgentDecisions    []agents.Decision
	FileOperations    []string
	GuardrailsApplied bool
}

// ExecutionError wraps a tool invocation that exhausted its retries.
type ExecutionError struct {
	Tool   string
	Detail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("AI execution failed: %s", e.Detail)
}

// Daemon orchestrates the pipeline. All collaborators are injected at
// construction; per-request state lives on the stack.
type Daemon struct {
	cfg           *config.Config
	store         *store.Store
	factory       *adapters.Factory
	classifier    *prompt.Classifier
	assembler     *prompt.Assembler
	conversations *conversation.Manager
	parser        *analysis.Parser
	validator     *analysis.Validator
	detector      *analysis.FailureDetector
	chains        *agents.ChainOptimizer
	runner        *agents.Runner
	logger        *zap.Logger

	persist sync.WaitGroup
}

// Options carries the daemon's collaborators.
type Options struct {
	Config        *config.Config
	Store         *store.Store
	Factory       *adapters.Factory
	Classifier    *prompt.Classifier
	Assembler     *prompt.Assembler
	Conversations *conversation.Manager
	Logger        *zap.Logger
}

// New builds a daemon. Analysis and agent components have no external
// dependencies and are constructed here.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:           opts.Config,
		store:         opts.Store,
		factory:       opts.Factory,
		classifier:    opts.Classifier,
		assembler:     opts.Assembler,
		conversations: opts.Conversations,
		parser:        analysis.NewParser(logger),
		validator:     analysis.NewValidator(logger),
		detector:      analysis.NewFailureDetector(logger),
		chains:        agents.NewChainOptimizer(logger),
		runner:        agents.NewRunner(agents.NewRegistry(), logger),
		logger:        logger,
	}
}

// Process runs one request through the full pipeline.
func (d *Daemon) Process(ctx context.Context, req AIRequest) (*AIResult, error) {
	start := time.Now()
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = string(d.cfg.Mode)
	}
	d.logger.Info("processing request",
		zap.String("session_id", req.SessionID),
		zap.String("tool", req.Tool),
		zap.String("agent", req.Agent),
		zap.String("mode", req.Mode))

	// 1. Classify; creative and content tasks skip guardrails entirely.
	var classification *prompt.Classification
	guardrailsRequired := true
	if d.cfg.Features.V2TaskClassification {
		c := d.classifier.Classify(req.Prompt)
		classification = &c
		guardrailsRequired = c.RequiresGuardrails
		d.logger.Info("task classified",
			zap.String("session_id", req.SessionID),
			zap.String("task_type", string(c.TaskType)),
			zap.Float64("confidence", c.Confidence),
			zap.Bool("guardrails_required", guardrailsRequired))
	}

	// 2. Prepend conversation history for interactive requests.
	contextPrompt := req.Prompt
	conversational := req.ConversationID != "" && d.cfg.Features.V2ConversationHistory
	if conversational {
		rendered, err := d.conversations.BuildContext(req.ConversationID, req.Prompt)
		if err != nil {
			d.logger.Warn("conversation context unavailable",
				zap.String("conversation_id", req.ConversationID), zap.Error(err))
		} else {
			contextPrompt = rendered
		}
	}

	// 3. Inject guardrails, or pass the bare prompt straight through.
	augmented := contextPrompt
	if guardrailsRequired {
		taskType := ""
		if classification != nil {
			taskType = string(classification.TaskType)
		}
		augmented = d.assembler.Build(ctx, prompt.BuildRequest{
			Prompt:   contextPrompt,
			Agent:    req.Agent,
			Mode:     req.Mode,
			TaskType: taskType,
		})
	} else {
		d.logger.Info("guardrails bypassed for non-code task",
			zap.String("session_id", req.SessionID))
	}

	// 4. Acquire the adapter; disabled or unknown tools are caller errors.
	adapter, err := d.factory.Get(req.Tool)
	if err != nil {
		return nil, err
	}

	// 5. Execute.
	resp, err := adapter.Execute(ctx, augmented, req.Stream)
	if err != nil {
		return nil, err
	}
	if resp.ExitCode != 0 {
		return nil, &ExecutionError{Tool: req.Tool, Detail: resp.Error}
	}

	// 6. Parse, validate, detect.
	parsed := d.parser.Parse(resp.RawOutput)
	var violations []analysis.Violation
	if guardrailsRequired {
		violations = d.validator.Validate(parsed, resp.RawOutput)
	}
	failures := d.detector.Scan(resp.RawOutput, req.Tool)

	// Reviewer chain over the parsed output.
	chainTask := d.chainTaskType(req.Prompt)
	chain := d.chains.SelectChain(chainTask, req.Mode, req.Agent)
	chainResult, err := d.runner.Run(ctx, chain, &agents.Context{
		Prompt:     req.Prompt,
		Mode:       req.Mode,
		Parsed:     parsed,
		Violations: violations,
		Failures:   failures,
		RawOutput:  resp.RawOutput,
		Tool:       req.Tool,
	})
	if err != nil {
		return nil, err
	}

	// 7. Enforce.
	approved := Enforce(req.Mode, violations, failures)

	// 8. File operations for safe extracted files.
	var created []string
	if req.ProjectRoot != "" && d.cfg.Features.V2AutoSaveFiles {
		created = d.executeFileOps(req.ProjectRoot, resp.RawOutput, req.SessionID)
	}

	// 9. Append conversation turns.
	if conversational {
		if err := d.conversations.AddMessage(req.ConversationID, "user", req.Prompt, 0); err != nil {
			d.logger.Warn("failed to record user turn", zap.Error(err))
		}
		if err := d.conversations.AddMessage(req.ConversationID, "assistant", resp.RawOutput, 0); err != nil {
			d.logger.Warn("failed to record assistant turn", zap.Error(err))
		}
	}

	elapsed := time.Since(start).Milliseconds()
	result := &AIResult{
		SessionID:         req.SessionID,
		RawOutput:         resp.RawOutput,
		Parsed:            parsed,
		Violations:        violations,
		Failures:          failures,
		Approved:          approved,
		ExecutionMS:       elapsed,
		Classification:    classification,
		AgentDecisions:    chainResult.Decisions,
		FileOperations:    created,
		GuardrailsApplied: guardrailsRequired,
	}

	// 10. Persist asynchronously; the caller never waits on the store.
	rec := d.sessionRecord(req, augmented, result, chainResult.Activity)
	d.persist.Add(1)
	go func() {
		defer d.persist.Done()
		if err := d.store.SaveSession(rec); err != nil {
			d.logger.Error("failed to persist session",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}()

	d.logger.Info("request processed",
		zap.String("session_id", req.SessionID),
		zap.Bool("approved", approved),
		zap.Int("violations", len(violations)),
		zap.Int("failures", len(failures)),
		zap.Int64("execution_ms", elapsed))
	return result, nil
}

// Drain blocks until in-flight session writes finish.
func (d *Daemon) Drain() { d.persist.Wait() }

// Enforce is the pure approval decision. Standard mode always approves;
// strict denies when any critical violation or failure is present.
func Enforce(mode string, violations []analysis.Violation, failures []analysis.DetectedFailure) bool {
	if mode != string(config.ModeStrict) {
		return true
	}
	for _, v := range violations {
		if v.Severity == store.SeverityCritical {
			return false
		}
	}
	for _, f := range failures {
		if f.Severity == store.SeverityCritical {
			return false
		}
	}
	return true
}

// chainTaskKeywords routes prompts onto reviewer chain task types.
var chainTaskKeywords = []struct {
	taskType string
	words    []string
}{
	{"implement_auth", []string{"auth", "login", "password", "jwt", "oauth"}},
	{"implement_payment", []string{"payment", "billing", "checkout", "stripe"}},
	{"database_design", []string{"database", "schema", "migration", "sql"}},
	{"implement_api", []string{"api", "endpoint", "rest", "graphql"}},
	{"implement_ui", []string{"ui", "frontend", "component", "css", "interface"}},
	{"fix_bug", []string{"bug", "error", "crash", "broken", "fix"}},
	{"add_tests", []string{"test", "coverage", "unit test", "e2e"}},
	{"update_docs", []string{"document", "readme", "docs", "guide"}},
	{"compliance_feature", []string{"gdpr", "compliance", "audit"}},
}

// chainTaskType scores the prompt against the routing keywords; the
// first listed task type wins ties, implement_feature is the default.
func (d *Daemon) chainTaskType(promptText string) string {
	lower := strings.ToLower(promptText)
	best := "implement_feature"
	bestScore := 0
	for _, entry := range chainTaskKeywords {
		score := 0
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > bestScore {
			best = entry.taskType
			bestScore = score
		}
	}
	return best
}

func (d *Daemon) executeFileOps(root, output, sessionID string) []string {
	executor, err := fileops.NewExecutor(root, true, d.logger)
	if err != nil {
		d.logger.Warn("file executor unavailable", zap.Error(err))
		return nil
	}
	ops := executor.ExtractOperations(output)
	if len(ops) == 0 {
		return nil
	}
	summary := executor.ExecuteAll(ops, false)
	d.logger.Info("file operations executed",
		zap.String("session_id", sessionID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary.CreatedFiles
}

const (
	maxStoredPrompt = 2000
	maxStoredOutput = 10000
)

func (d *Daemon) sessionRecord(req AIRequest, augmented string, res *AIResult, activity []store.AgentActivityRow) *store.SessionRecord {
	parsedJSON, _ := json.Marshal(res.Parsed)

	rec := &store.SessionRecord{
		Session: store.Session{
			ID:              req.SessionID,
			Timestamp:       time.Now().UTC(),
			Tool:            req.Tool,
			Agent:           req.Agent,
			Mode:            req.Mode,
			Prompt:          truncate(req.Prompt, maxStoredPrompt),
			AugmentedPrompt: truncate(augmented, maxStoredOutput),
			RawOutput:       truncate(res.RawOutput, maxStoredOutput),
			ParsedOutput:    string(parsedJSON),
			ViolationCount:  len(res.Violations),
			Approved:        res.Approved,
			ExecutionTimeMS: res.ExecutionMS,
		},
	}

	for _, v := range res.Violations {
		rec.Violations = append(rec.Violations, store.ViolationRow{
			GuardrailType: v.GuardrailType,
			RuleID:        v.Rule,
			Severity:      v.Severity,
			Description:   v.Description,
			Suggestion:    v.Suggestion,
			FilePath:      v.FilePath,
			LineNumber:    v.LineNumber,
		})
	}
	for _, f := range res.Failures {
		rec.Failures = append(rec.Failures, store.FailureModeRow{
			Tool:     f.Tool,
			Category: f.Category,
			Pattern:  f.Pattern,
			Severity: f.Severity,
			Context:  f.Context,
		})
	}
	rec.AgentActivity = activity

	if res.Classification != nil {
		features, _ := json.Marshal(res.Classification.Features)
		rec.Classification = &store.TaskClassificationRow{
			TaskType:           string(res.Classification.TaskType),
			Confidence:         res.Classification.Confidence,
			RequiresGuardrails: res.Classification.RequiresGuardrails,
			Features:           string(features),
		}
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
