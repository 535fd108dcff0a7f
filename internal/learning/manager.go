package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/prompt"
	"guardloop/internal/store"
)

const (
	generationConfidence = 0.7
	contextMinConfidence = 0.7
	contextMaxRules      = 5
	semanticThreshold    = 0.3
	effectivenessWindow  = 365 // days summed when computing success rate
)

// defaultTaskTypes is where newly minted rules apply when the pattern
// carries no better signal.
var defaultTaskTypes = []string{"code", "mixed"}

// categoryKeywords back the keyword-relevance fallback when semantic
// matching is unavailable.
var categoryKeywords = map[string][]string{
	"security":     {"auth", "security", "token", "permission", "access"},
	"performance":  {"slow", "optimize", "performance", "speed", "cache"},
	"quality":      {"bug", "error", "fix", "quality", "test"},
	"architecture": {"design", "architecture", "pattern", "structure"},
}

var enforcementWeights = map[store.EnforcementMode]float64{
	store.EnforceBlock:   0.5,
	store.EnforceAutoFix: 0.3,
	store.EnforceWarn:    0.1,
}

// Manager mints adaptive guardrails from learned patterns, drives their
// lifecycle, and retrieves the active set for context injection.
type Manager struct {
	store   *store.Store
	matcher *prompt.Matcher // nil disables semantic matching
	logger  *zap.Logger
}

// NewManager builds a manager; matcher nil falls back to keyword
// relevance.
func NewManager(s *store.Store, matcher *prompt.Matcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, matcher: matcher, logger: logger}
}

// GenerateFromPattern mints a trial guardrail from a learned pattern.
// Returns nil when the pattern's confidence is below the generation
// floor, or the already-existing rule when the pattern has one.
func (m *Manager) GenerateFromPattern(p *store.LearnedPattern, taskTypes []string) (*store.DynamicGuardrail, error) {
	if p.Confidence < generationConfidence {
		m.logger.Debug("pattern confidence too low",
			zap.Int64("pattern_id", p.ID), zap.Float64("confidence", p.Confidence))
		return nil, nil
	}

	existing, err := m.store.GuardrailForPattern(p.ID)
	if err != nil {
		return nil, fmt.Errorf("look up existing guardrail: %w", err)
	}
	if existing != nil {
		m.logger.Debug("guardrail already exists",
			zap.Int64("pattern_id", p.ID), zap.Int64("rule_id", existing.ID))
		return existing, nil
	}

	if len(taskTypes) == 0 {
		taskTypes = defaultTaskTypes
	}
	meta, _ := json.Marshal(map[string]any{
		"pattern_hash": p.PatternHash,
		"frequency":    p.Frequency,
		"severity":     string(p.Severity),
	})
	g := &store.DynamicGuardrail{
		PatternID:       p.ID,
		RuleText:        deriveRuleText(p.Description),
		Category:        p.Category,
		Confidence:      p.Confidence,
		Status:          store.StatusTrial,
		EnforcementMode: enforcementForSeverity(p.Severity),
		TaskTypes:       taskTypes,
		CreatedBy:       "pattern_analyzer",
		Metadata:        string(meta),
	}
	id, err := m.store.InsertDynamicGuardrail(g)
	if err != nil {
		return nil, fmt.Errorf("insert guardrail: %w", err)
	}
	g.ID = id

	m.logger.Info("dynamic guardrail created",
		zap.Int64("rule_id", id),
		zap.Int64("pattern_id", p.ID),
		zap.Float64("confidence", g.Confidence),
		zap.String("enforcement", string(g.EnforcementMode)))
	return g, nil
}

// GenerateFromPatterns mints guardrails for every qualifying pattern.
func (m *Manager) GenerateFromPatterns(patterns []store.LearnedPattern, taskTypes []string) ([]store.DynamicGuardrail, error) {
	var out []store.DynamicGuardrail
	for i := range patterns {
		g, err := m.GenerateFromPattern(&patterns[i], taskTypes)
		if err != nil {
			return nil, err
		}
		if g != nil {
			out = append(out, *g)
		}
	}
	return out, nil
}

// deriveRuleText turns a pattern description into an imperative rule.
func deriveRuleText(description string) string {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "missing"):
		return "MUST include: " + description
	case strings.Contains(lower, "forgot"), strings.Contains(lower, "omit"):
		return "DO NOT forget: " + description
	case strings.Contains(lower, "incorrect"), strings.Contains(lower, "wrong"):
		return "AVOID: " + description
	default:
		return "LEARNED: " + description
	}
}

func enforcementForSeverity(sev store.Severity) store.EnforcementMode {
	switch sev {
	case store.SeverityCritical:
		return store.EnforceBlock
	case store.SeverityHigh:
		return store.EnforceAutoFix
	default:
		return store.EnforceWarn
	}
}

// GetActive retrieves the highest-priority active rules for a request.
// Semantic matching filters candidates when a matcher and prompt are
// available; otherwise keyword relevance feeds the composite priority
// score, which always decides the final order.
func (m *Manager) GetActive(ctx context.Context, taskType, promptText string, minConfidence float64, maxRules int) ([]store.DynamicGuardrail, error) {
	candidates, err := m.store.ActiveGuardrails(minConfidence)
	if err != nil {
		return nil, fmt.Errorf("load active guardrails: %w", err)
	}

	if taskType != "" {
		filtered := candidates[:0]
		for _, g := range candidates {
			if taskTypeApplies(g.TaskTypes, taskType) {
				filtered = append(filtered, g)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	relevance := make(map[int64]float64, len(candidates))
	if m.matcher != nil && promptText != "" {
		rules := make([]prompt.Rule, len(candidates))
		byID := make(map[int64]store.DynamicGuardrail, len(candidates))
		for i, g := range candidates {
			rules[i] = prompt.Rule{ID: strconv.FormatInt(g.ID, 10), Text: g.RuleText}
			byID[g.ID] = g
		}
		scored, ok := m.matcher.FindRelevant(ctx, promptText, rules, maxRules)
		if ok {
			matched := make([]store.DynamicGuardrail, 0, len(scored))
			for _, s := range scored {
				id, _ := strconv.ParseInt(s.Rule.ID, 10, 64)
				matched = append(matched, byID[id])
				relevance[id] = s.Similarity
			}
			candidates = matched
			m.logger.Debug("semantic matching applied", zap.Int("matched", len(candidates)))
		} else {
			m.keywordRelevance(candidates, promptText, relevance)
		}
	} else if promptText != "" {
		m.keywordRelevance(candidates, promptText, relevance)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := m.priorityScore(&candidates[i], taskType, relevance[candidates[i].ID])
		sj := m.priorityScore(&candidates[j], taskType, relevance[candidates[j].ID])
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	if maxRules > 0 && len(candidates) > maxRules {
		candidates = candidates[:maxRules]
	}

	m.logger.Debug("retrieved active guardrails",
		zap.Int("count", len(candidates)),
		zap.String("task_type", taskType),
		zap.Float64("min_confidence", minConfidence))
	return candidates, nil
}

func taskTypeApplies(taskTypes []string, taskType string) bool {
	if len(taskTypes) == 0 {
		return true
	}
	for _, t := range taskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// keywordRelevance scores word overlap with the rule text plus category
// keyword hits.
func (m *Manager) keywordRelevance(candidates []store.DynamicGuardrail, promptText string, out map[int64]float64) {
	promptWords := make(map[string]bool)
	lower := strings.ToLower(promptText)
	for _, w := range strings.Fields(lower) {
		promptWords[w] = true
	}

	for _, g := range candidates {
		score := 0.0

		overlap := 0
		for _, w := range strings.Fields(strings.ToLower(g.RuleText)) {
			if promptWords[w] {
				overlap++
			}
		}
		if overlap > 0 {
			s := float64(overlap) * 0.2
			if s > 1 {
				s = 1
			}
			score += s
		}

		if keywords, ok := categoryKeywords[g.Category]; ok {
			matches := 0
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					matches++
				}
			}
			if matches > 0 {
				s := float64(matches) * 0.3
				if s > 1 {
					s = 1
				}
				score += s
			}
		}
		out[g.ID] = score
	}
}

// priorityScore is the composite ranking:
// relevance·2 + confidence·2 + recency + success_rate·2 + task_match +
// enforcement weight.
func (m *Manager) priorityScore(g *store.DynamicGuardrail, taskType string, relevance float64) float64 {
	score := relevance * 2.0
	score += g.Confidence * 2.0

	if g.ActivatedAt != nil {
		days := time.Since(*g.ActivatedAt).Hours() / 24
		recency := 1.0 - days/30.0
		if recency > 0 {
			score += recency
		}
	}

	if eff, err := m.store.GuardrailEffectiveness(g.ID, effectivenessWindow); err == nil && eff.TimesTriggered > 0 {
		successRate := float64(eff.PreventedFailures-eff.FalsePositives) / float64(eff.TimesTriggered)
		if successRate > 0 {
			score += successRate * 2.0
		}
	}

	if taskType != "" && taskTypeApplies(g.TaskTypes, taskType) {
		score += 1.0
	}
	score += enforcementWeights[g.EnforcementMode]
	return score
}

// FormatForContext renders the active rules as a markdown block for
// prompt injection. Empty when no rules apply. Satisfies the assembler's
// rule source.
func (m *Manager) FormatForContext(ctx context.Context, promptText, taskType string) (string, error) {
	rules, err := m.GetActive(ctx, taskType, promptText, contextMinConfidence, contextMaxRules)
	if err != nil {
		return "", err
	}
	return Format(rules), nil
}

// Format renders rules grouped by category.
func Format(rules []store.DynamicGuardrail) string {
	if len(rules) == 0 {
		return ""
	}

	byCategory := make(map[string][]store.DynamicGuardrail)
	var order []string
	for _, r := range rules {
		if _, seen := byCategory[r.Category]; !seen {
			order = append(order, r.Category)
		}
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	lines := []string{"# Learned Guardrails - DO NOT REPEAT THESE MISTAKES\n"}
	for _, category := range order {
		lines = append(lines, fmt.Sprintf("\n## %s\n", titleCase(category)))
		for _, rule := range byCategory[category] {
			lines = append(lines, fmt.Sprintf("- %s **%s**", severityIcon(ruleSeverity(rule)), rule.RuleText))
			switch rule.EnforcementMode {
			case store.EnforceBlock:
				lines = append(lines, "  - ⛔ **BLOCKING**: This will be rejected")
			case store.EnforceAutoFix:
				lines = append(lines, "  - 🔧 **AUTO-FIX**: Will be automatically corrected")
			}
			lines = append(lines, fmt.Sprintf("  - Confidence: %.0f%%", rule.Confidence*100))
			lines = append(lines, "")
		}
	}
	return strings.Join(lines, "\n")
}

func ruleSeverity(rule store.DynamicGuardrail) store.Severity {
	var meta struct {
		Severity string `json:"severity"`
	}
	if rule.Metadata != "" {
		if err := json.Unmarshal([]byte(rule.Metadata), &meta); err == nil && meta.Severity != "" {
			return store.Severity(meta.Severity)
		}
	}
	return store.SeverityMedium
}

func severityIcon(sev store.Severity) string {
	switch sev {
	case store.SeverityLow:
		return "ℹ️"
	case store.SeverityHigh:
		return "🚨"
	case store.SeverityCritical:
		return "🔴"
	default:
		return "⚠️"
	}
}

func titleCase(category string) string {
	words := strings.Split(strings.ReplaceAll(category, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// PromoteToValidated moves a trial rule to validated. False without error
// means the rule was not in trial.
func (m *Manager) PromoteToValidated(ruleID int64) (bool, error) {
	ok, err := m.store.TransitionGuardrail(ruleID, store.StatusTrial, store.StatusValidated, "", "")
	if err == nil && ok {
		m.logger.Info("guardrail validated", zap.Int64("rule_id", ruleID))
	}
	return ok, err
}

// PromoteToEnforced moves a validated rule to enforced and hardens its
// enforcement mode to block.
func (m *Manager) PromoteToEnforced(ruleID int64) (bool, error) {
	ok, err := m.store.TransitionGuardrail(ruleID, store.StatusValidated, store.StatusEnforced, store.EnforceBlock, "")
	if err == nil && ok {
		m.logger.Info("guardrail enforced", zap.Int64("rule_id", ruleID))
	}
	return ok, err
}

// Deprecate retires a rule from the given state; deprecation is terminal.
func (m *Manager) Deprecate(ruleID int64, from store.GuardrailStatus, reason string) (bool, error) {
	ok, err := m.store.TransitionGuardrail(ruleID, from, store.StatusDeprecated, "", reason)
	if err == nil && ok {
		m.logger.Info("guardrail deprecated",
			zap.Int64("rule_id", ruleID), zap.String("reason", reason))
	}
	return ok, err
}

// TrackEffectiveness records one trigger outcome in the daily rollup.
func (m *Manager) TrackEffectiveness(ruleID int64, prevented, truePositive, falsePositive bool, confidence float64) error {
	date := time.Now().UTC().Format("2006-01-02")
	return m.store.RecordEffectiveness(ruleID, date, prevented, truePositive, falsePositive, confidence)
}

// ReviewLifecycles promotes and demotes rules from their accumulated
// effectiveness: trial rules with sustained prevented failures validate,
// validated rules with a strong success rate enforce, and rules whose
// false positives dominate are deprecated.
func (m *Manager) ReviewLifecycles() error {
	for _, status := range []store.GuardrailStatus{store.StatusTrial, store.StatusValidated, store.StatusEnforced} {
		rules, err := m.store.GuardrailsByStatus(status)
		if err != nil {
			return fmt.Errorf("load %s guardrails: %w", status, err)
		}
		for _, rule := range rules {
			eff, err := m.store.GuardrailEffectiveness(rule.ID, 30)
			if err != nil {
				return err
			}
			if eff.TimesTriggered == 0 {
				continue
			}

			if eff.FalsePositives*2 > eff.TimesTriggered {
				if _, err := m.Deprecate(rule.ID, status, "false positive rate above 50%"); err != nil {
					return err
				}
				continue
			}
			switch status {
			case store.StatusTrial:
				if eff.PreventedFailures >= 3 {
					if _, err := m.PromoteToValidated(rule.ID); err != nil {
						return err
					}
				}
			case store.StatusValidated:
				if eff.TimesTriggered >= 10 &&
					float64(eff.PreventedFailures-eff.FalsePositives) > float64(eff.TimesTriggered)*0.7 {
					if _, err := m.PromoteToEnforced(rule.ID); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
