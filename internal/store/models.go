package store

import (
	"fmt"
	"time"
)

// Severity grades a violation or detected failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for aggregation (low=1 .. critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a member of the closed severity set.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// GuardrailStatus is the lifecycle state of a dynamic guardrail.
type GuardrailStatus string

const (
	StatusTrial      GuardrailStatus = "trial"
	StatusValidated  GuardrailStatus = "validated"
	StatusEnforced   GuardrailStatus = "enforced"
	StatusDeprecated GuardrailStatus = "deprecated"
)

// EnforcementMode is what a triggered dynamic guardrail does.
type EnforcementMode string

const (
	EnforceWarn    EnforcementMode = "warn"
	EnforceAutoFix EnforcementMode = "auto_fix"
	EnforceBlock   EnforcementMode = "block"
)

// Valid reports membership in the closed enforcement set.
func (m EnforcementMode) Valid() bool {
	return m == EnforceWarn || m == EnforceAutoFix || m == EnforceBlock
}

// Session is one processed request.
type Session struct {
	ID              string
	Timestamp       time.Time
	Tool            string
	Agent           string
	Mode            string
	Prompt          string
	AugmentedPrompt string
	RawOutput       string
	ParsedOutput    string // JSON
	ViolationCount  int
	Approved        bool
	ExecutionTimeMS int64
}

// FailureModeRow is a persisted detected failure.
type FailureModeRow struct {
	ID         int64
	SessionID  string
	Tool       string
	Category   string
	Pattern    string
	Severity   Severity
	Context    string
	Resolution string
	Resolved   bool
	CreatedAt  time.Time
}

// ViolationRow is a persisted policy violation.
type ViolationRow struct {
	ID            int64
	SessionID     string
	GuardrailType string
	RuleID        string
	Severity      Severity
	Description   string
	Suggestion    string
	FilePath      string
	LineNumber    int
	CreatedAt     time.Time
}

// AgentActivityRow records one reviewer invocation.
type AgentActivityRow struct {
	ID              int64
	SessionID       string
	AgentName       string
	Action          string
	Success         bool
	ExecutionTimeMS int64
	ErrorMessage    string
	Metadata        string // JSON
	CreatedAt       time.Time
}

// ContextTrackingRow records one context injection.
type ContextTrackingRow struct {
	ID          int64
	SessionID   string
	ContextType string // file, directory, project, custom
	Payload     string // JSON
	TokensUsed  int
	CreatedAt   time.Time
}

// TaskClassificationRow records the classifier verdict for a session.
type TaskClassificationRow struct {
	ID                 int64
	SessionID          string
	TaskType           string
	Confidence         float64
	RequiresGuardrails bool
	Features           string // JSON
	CreatedAt          time.Time
}

// LearnedPattern is a mined failure/violation signature.
type LearnedPattern struct {
	ID              int64
	PatternHash     string // hex SHA-256 over category::pattern
	Category        string
	Pattern         string
	Description     string
	Frequency       int
	Severity        Severity
	FirstSeen       time.Time
	LastSeen        time.Time
	Confidence      float64
	ExampleSessions []string
	Metadata        string // JSON
}

// DynamicGuardrail is a rule synthesised from a LearnedPattern.
type DynamicGuardrail struct {
	ID              int64
	PatternID       int64
	RuleText        string
	Category        string
	Confidence      float64
	Status          GuardrailStatus
	EnforcementMode EnforcementMode
	TaskTypes       []string
	CreatedAt       time.Time
	ActivatedAt     *time.Time
	DeactivatedAt   *time.Time
	CreatedBy       string
	Metadata        string // JSON
}

// RuleEffectiveness is the daily rollup for one dynamic guardrail.
type RuleEffectiveness struct {
	ID                int64
	RuleID            int64
	Date              string // YYYY-MM-DD
	TimesTriggered    int
	PreventedFailures int
	TruePositives     int
	FalsePositives    int
	AvgConfidence     float64
}

// ConversationTurn is one persisted message of a conversation.
type ConversationTurn struct {
	ID             int64
	ConversationID string
	TurnNumber     int
	Role           string // user, assistant, system
	Content        string
	Timestamp      time.Time
	TokensUsed     int
	Metadata       string // JSON
}

// Metric is a point sample written by the metrics worker.
type Metric struct {
	ID         int64
	MetricType string
	Value      float64
	Metadata   string // JSON
	Timestamp  time.Time
}

// Stats aggregates row counts and on-disk size.
type Stats struct {
	Sessions          int64
	FailureModes      int64
	Violations        int64
	LearnedPatterns   int64
	DynamicGuardrails int64
	ConversationTurns int64
	DiskBytes         int64
}

func validateSeverity(s Severity) error {
	if !s.Valid() {
		return fmt.Errorf("invalid severity %q", s)
	}
	return nil
}

func validateRole(role string) error {
	switch role {
	case "user", "assistant", "system":
		return nil
	}
	return fmt.Errorf("invalid conversation role %q", role)
}
