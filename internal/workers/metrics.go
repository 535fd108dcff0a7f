package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

const (
	metricsInterval = 60 * time.Second
	metricsWindow   = time.Hour
	topN            = 5
)

// MetricsWorker rolls the last hour of sessions into point metrics:
// session count, approval rate, mean execution time, and the top
// violation rules and failure categories.
type MetricsWorker struct {
	store    *store.Store
	interval time.Duration
	logger   *zap.Logger
}

func NewMetricsWorker(s *store.Store, logger *zap.Logger) *MetricsWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsWorker{store: s, interval: metricsInterval, logger: logger}
}

func (w *MetricsWorker) Name() string            { return "metrics" }
func (w *MetricsWorker) Interval() time.Duration { return w.interval }

func (w *MetricsWorker) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-metricsWindow)

	stats, err := w.store.SessionStatsSince(cutoff)
	if err != nil {
		return fmt.Errorf("aggregate sessions: %w", err)
	}
	if stats.Total == 0 {
		return nil
	}

	if err := w.store.InsertMetric("sessions_hourly", float64(stats.Total), ""); err != nil {
		return err
	}
	rate := float64(stats.Approved) / float64(stats.Total)
	if err := w.store.InsertMetric("approval_rate", rate, ""); err != nil {
		return err
	}
	if err := w.store.InsertMetric("mean_execution_ms", stats.MeanExecutionMS, ""); err != nil {
		return err
	}

	if err := w.recordTop("top_violations", cutoff, w.store.ViolationRuleCounts); err != nil {
		return err
	}
	if err := w.recordTop("top_failures", cutoff, w.store.FailureCategoryCounts); err != nil {
		return err
	}

	w.logger.Debug("metrics recorded",
		zap.Int64("sessions", stats.Total), zap.Float64("approval_rate", rate))
	return nil
}

func (w *MetricsWorker) recordTop(metric string, cutoff time.Time, count func(time.Time) ([]store.CategoryCount, error)) error {
	counts, err := count(cutoff)
	if err != nil {
		return fmt.Errorf("count for %s: %w", metric, err)
	}
	if len(counts) == 0 {
		return nil
	}
	if len(counts) > topN {
		counts = counts[:topN]
	}
	top := make(map[string]int64, len(counts))
	var total int64
	for _, c := range counts {
		top[c.Category] = c.Count
		total += c.Count
	}
	meta, _ := json.Marshal(top)
	return w.store.InsertMetric(metric, float64(total), string(meta))
}
