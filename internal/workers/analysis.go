package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/learning"
	"guardloop/internal/store"
)

const (
	analysisInterval = 300 * time.Second
	trendWindow      = 24 * time.Hour
	trendThreshold   = 10

	// Window handed to the pattern analyser on each tick.
	analysisWindowDays = 30
)

// AnalysisWorker computes 24 h failure trends and feeds the pattern
// analyser. When an adaptive rule manager is present, qualifying
// patterns are minted into trial guardrails and lifecycles reviewed.
type AnalysisWorker struct {
	store    *store.Store
	analyzer *learning.PatternAnalyzer
	rules    *learning.Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewAnalysisWorker builds the worker; rules may be nil.
func NewAnalysisWorker(s *store.Store, analyzer *learning.PatternAnalyzer, rules *learning.Manager, logger *zap.Logger) *AnalysisWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisWorker{
		store:    s,
		analyzer: analyzer,
		rules:    rules,
		interval: analysisInterval,
		logger:   logger,
	}
}

func (w *AnalysisWorker) Name() string            { return "analysis" }
func (w *AnalysisWorker) Interval() time.Duration { return w.interval }

func (w *AnalysisWorker) RunOnce(ctx context.Context) error {
	if err := w.emitTrends(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	failures, err := w.analyzer.AnalyzeFailures(analysisWindowDays, nil)
	if err != nil {
		return fmt.Errorf("analyze failures: %w", err)
	}
	violations, err := w.analyzer.AnalyzeViolations(analysisWindowDays)
	if err != nil {
		return fmt.Errorf("analyze violations: %w", err)
	}

	if w.rules == nil {
		return nil
	}
	patterns := append(failures, violations...)
	minted, err := w.rules.GenerateFromPatterns(patterns, nil)
	if err != nil {
		return fmt.Errorf("generate guardrails: %w", err)
	}
	if len(minted) > 0 {
		w.logger.Info("guardrails minted from patterns", zap.Int("count", len(minted)))
	}
	if err := w.rules.ReviewLifecycles(); err != nil {
		return fmt.Errorf("review lifecycles: %w", err)
	}
	return nil
}

// emitTrends logs and records every category that crossed the 24 h
// threshold.
func (w *AnalysisWorker) emitTrends() error {
	counts, err := w.store.FailureCategoryCounts(time.Now().UTC().Add(-trendWindow))
	if err != nil {
		return fmt.Errorf("count failure categories: %w", err)
	}
	for _, c := range counts {
		if c.Count <= trendThreshold {
			continue
		}
		w.logger.Warn("failure trend detected",
			zap.String("category", c.Category), zap.Int64("count", c.Count))
		meta, _ := json.Marshal(map[string]any{"category": c.Category})
		if err := w.store.InsertMetric("failure_trend", float64(c.Count), string(meta)); err != nil {
			return fmt.Errorf("record trend metric: %w", err)
		}
	}
	return nil
}
