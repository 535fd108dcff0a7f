// Package workers hosts the periodic background actors: failure trend
// analysis, metrics rollups, markdown export, and store cleanup. Workers
// never talk to each other; they read the store and write through the
// relevant managers.
package workers

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardloop/internal/config"
	"guardloop/internal/learning"
	"guardloop/internal/store"
)

// Worker is one periodic background actor.
type Worker interface {
	Name() string
	Interval() time.Duration
	RunOnce(ctx context.Context) error
}

// Manager drives a set of workers on independent tickers until the
// context is cancelled. Worker errors are logged, never fatal.
type Manager struct {
	workers []Worker
	logger  *zap.Logger
}

// NewManager builds a manager over an explicit worker set.
func NewManager(logger *zap.Logger, workers ...Worker) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{workers: workers, logger: logger}
}

// NewFromConfig assembles the workers enabled by the feature flags.
// rules may be nil when adaptive learning is disabled.
func NewFromConfig(cfg *config.Config, s *store.Store, analyzer *learning.PatternAnalyzer, rules *learning.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ws []Worker
	if cfg.Features.AnalysisWorker {
		ws = append(ws, NewAnalysisWorker(s, analyzer, rules, logger))
	}
	if cfg.Features.MetricsWorker {
		ws = append(ws, NewMetricsWorker(s, logger))
	}
	if cfg.Features.MarkdownExport {
		reports := filepath.Join(filepath.Dir(cfg.Guardrails.BasePath), "reports")
		ws = append(ws, NewMarkdownExporter(s, reports, logger))
	}
	if cfg.Features.CleanupWorker {
		ws = append(ws, NewCleanupWorker(s, cfg.Database, cfg.Logging, logger))
	}
	return NewManager(logger, ws...)
}

// Names lists the managed workers.
func (m *Manager) Names() []string {
	out := make([]string, len(m.workers))
	for i, w := range m.workers {
		out[i] = w.Name()
	}
	return out
}

// Run ticks every worker until ctx is cancelled. Each worker runs once
// at startup and then on its own period.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		g.Go(func() error {
			m.logger.Info("worker started",
				zap.String("worker", w.Name()),
				zap.Duration("interval", w.Interval()))
			defer m.logger.Info("worker stopped", zap.String("worker", w.Name()))

			ticker := time.NewTicker(w.Interval())
			defer ticker.Stop()

			m.tick(ctx, w)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					m.tick(ctx, w)
				}
			}
		})
	}
	return g.Wait()
}

func (m *Manager) tick(ctx context.Context, w Worker) {
	if ctx.Err() != nil {
		return
	}
	if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("worker run failed",
			zap.String("worker", w.Name()), zap.Error(err))
	}
}
