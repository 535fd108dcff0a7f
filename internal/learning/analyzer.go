// Package learning mines historical failures and violations into learned
// patterns, mints adaptive guardrails from them, and manages their
// lifecycle and effectiveness tracking.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

const (
	defaultMinFrequency  = 3
	defaultMinConfidence = 0.6
	maxExampleSessions   = 5
)

// PatternAnalyzer groups historical records into recurring signatures and
// upserts them as learned patterns.
type PatternAnalyzer struct {
	store         *store.Store
	minFrequency  int
	minConfidence float64
	logger        *zap.Logger
}

// NewPatternAnalyzer builds an analyzer with the default thresholds
// (frequency 3, confidence 0.6).
func NewPatternAnalyzer(s *store.Store, logger *zap.Logger) *PatternAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternAnalyzer{
		store:         s,
		minFrequency:  defaultMinFrequency,
		minConfidence: defaultMinConfidence,
		logger:        logger,
	}
}

// AnalyzeFailures mines failures within the window into learned patterns.
// Categories nil means all categories.
func (a *PatternAnalyzer) AnalyzeFailures(days int, categories []string) ([]store.LearnedPattern, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	failures, err := a.store.FailuresSince(cutoff, categories)
	if err != nil {
		return nil, fmt.Errorf("load failures: %w", err)
	}
	a.logger.Debug("analyzing failures",
		zap.Int("total_failures", len(failures)), zap.Int("days", days))

	type key struct{ category, pattern string }
	groups := make(map[key][]store.FailureModeRow)
	for _, f := range failures {
		k := key{f.Category, f.Pattern}
		groups[k] = append(groups[k], f)
	}

	var patterns []store.LearnedPattern
	for k, group := range groups {
		frequency := len(group)
		if frequency < a.minFrequency {
			continue
		}

		conf := failureConfidence(group)
		if conf < a.minConfidence {
			continue
		}

		signature := fmt.Sprintf("%s::%s", k.category, k.pattern)
		p := store.LearnedPattern{
			PatternHash: hashSignature(signature),
			Category:    k.category,
			Pattern:     k.pattern,
			Description: describeFailures(group),
			Frequency:   frequency,
			Severity:    mostSevere(group),
			FirstSeen:   earliest(group),
			LastSeen:    latest(group),
			Confidence:  conf,
			Metadata:    failureMetadata(group),
		}
		for i, f := range group {
			if i == maxExampleSessions {
				break
			}
			p.ExampleSessions = append(p.ExampleSessions, f.SessionID)
		}

		id, err := a.store.UpsertLearnedPattern(&p)
		if err != nil {
			return nil, fmt.Errorf("upsert pattern %s: %w", signature, err)
		}
		p.ID = id
		patterns = append(patterns, p)
	}

	a.logger.Info("failure pattern analysis complete",
		zap.Int("patterns_found", len(patterns)), zap.Int("days", days))
	return patterns, nil
}

// AnalyzeViolations mines policy violations within the window. Confidence
// is frequency-based only, since violations carry rule identity already.
func (a *PatternAnalyzer) AnalyzeViolations(days int) ([]store.LearnedPattern, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	violations, err := a.store.ViolationsSince(cutoff)
	if err != nil {
		return nil, fmt.Errorf("load violations: %w", err)
	}

	type key struct{ guardrailType, rule string }
	groups := make(map[key][]store.ViolationRow)
	for _, v := range violations {
		k := key{v.GuardrailType, v.RuleID}
		groups[k] = append(groups[k], v)
	}

	var patterns []store.LearnedPattern
	for k, group := range groups {
		frequency := len(group)
		if frequency < a.minFrequency {
			continue
		}
		conf := float64(frequency) / 10.0
		if conf > 1 {
			conf = 1
		}
		if conf < a.minConfidence {
			continue
		}

		signature := fmt.Sprintf("%s::%s", k.guardrailType, k.rule)
		p := store.LearnedPattern{
			PatternHash: hashSignature(signature),
			Category:    k.guardrailType,
			Pattern:     k.rule,
			Description: fmt.Sprintf("Repeated violation of %s rule %q (%d times)", k.guardrailType, k.rule, frequency),
			Frequency:   frequency,
			Severity:    mostSevereViolation(group),
			FirstSeen:   earliestViolation(group),
			LastSeen:    latestViolation(group),
			Confidence:  conf,
		}
		for i, v := range group {
			if i == maxExampleSessions {
				break
			}
			p.ExampleSessions = append(p.ExampleSessions, v.SessionID)
		}

		id, err := a.store.UpsertLearnedPattern(&p)
		if err != nil {
			return nil, fmt.Errorf("upsert pattern %s: %w", signature, err)
		}
		p.ID = id
		patterns = append(patterns, p)
	}

	a.logger.Info("violation pattern analysis complete",
		zap.Int("patterns_found", len(patterns)), zap.Int("days", days))
	return patterns, nil
}

func hashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

// failureConfidence combines frequency (capped at 0.7) with the mean
// severity rank (up to 0.3).
func failureConfidence(group []store.FailureModeRow) float64 {
	freqScore := float64(len(group)) / 10.0
	if freqScore > 0.7 {
		freqScore = 0.7
	}

	totalRank := 0
	for _, f := range group {
		totalRank += f.Severity.Rank()
	}
	avg := float64(totalRank) / float64(len(group))
	severityScore := avg / 4.0 * 0.3

	conf := freqScore + severityScore
	if conf > 1 {
		conf = 1
	}
	return conf
}

func mostSevere(group []store.FailureModeRow) store.Severity {
	top := group[0].Severity
	for _, f := range group[1:] {
		if f.Severity.Rank() > top.Rank() {
			top = f.Severity
		}
	}
	return top
}

func mostSevereViolation(group []store.ViolationRow) store.Severity {
	top := group[0].Severity
	for _, v := range group[1:] {
		if v.Severity.Rank() > top.Rank() {
			top = v.Severity
		}
	}
	return top
}

func earliest(group []store.FailureModeRow) time.Time {
	t := group[0].CreatedAt
	for _, f := range group[1:] {
		if f.CreatedAt.Before(t) {
			t = f.CreatedAt
		}
	}
	return t
}

func latest(group []store.FailureModeRow) time.Time {
	t := group[0].CreatedAt
	for _, f := range group[1:] {
		if f.CreatedAt.After(t) {
			t = f.CreatedAt
		}
	}
	return t
}

func earliestViolation(group []store.ViolationRow) time.Time {
	t := group[0].CreatedAt
	for _, v := range group[1:] {
		if v.CreatedAt.Before(t) {
			t = v.CreatedAt
		}
	}
	return t
}

func latestViolation(group []store.ViolationRow) time.Time {
	t := group[0].CreatedAt
	for _, v := range group[1:] {
		if v.CreatedAt.After(t) {
			t = v.CreatedAt
		}
	}
	return t
}

// describeFailures surfaces the most common context so downstream rule
// derivation can key off its wording.
func describeFailures(group []store.FailureModeRow) string {
	counts := make(map[string]int)
	for _, f := range group {
		counts[f.Context]++
	}
	common := group[0].Context
	best := 0
	for ctx, n := range counts {
		if n > best || (n == best && ctx < common) {
			common = ctx
			best = n
		}
	}
	return fmt.Sprintf("%s: %s (seen %d times)", group[0].Category, common, len(group))
}

func failureMetadata(group []store.FailureModeRow) string {
	tools := make(map[string]bool)
	var contexts []string
	for i, f := range group {
		if f.Tool != "" {
			tools[f.Tool] = true
		}
		if i < 3 && f.Context != "" {
			contexts = append(contexts, f.Context)
		}
	}
	toolList := make([]string, 0, len(tools))
	for t := range tools {
		toolList = append(toolList, t)
	}
	meta, _ := json.Marshal(map[string]any{
		"affected_tools":  toolList,
		"example_context": contexts,
	})
	return string(meta)
}
