package workers

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/config"
	"guardloop/internal/store"
)

const (
	cleanupInterval = 86400 * time.Second
	retentionDays   = 30
)

// CleanupWorker deletes sessions past retention, vacuums the store,
// takes a backup when enabled, and rotates the log file.
type CleanupWorker struct {
	store    *store.Store
	db       config.DatabaseConfig
	logging  config.LoggingConfig
	interval time.Duration
	logger   *zap.Logger
}

func NewCleanupWorker(s *store.Store, db config.DatabaseConfig, logging config.LoggingConfig, logger *zap.Logger) *CleanupWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupWorker{store: s, db: db, logging: logging, interval: cleanupInterval, logger: logger}
}

func (w *CleanupWorker) Name() string            { return "cleanup" }
func (w *CleanupWorker) Interval() time.Duration { return w.interval }

func (w *CleanupWorker) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := w.store.DeleteSessionsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("delete old sessions: %w", err)
	}
	if deleted > 0 {
		w.logger.Info("old sessions deleted", zap.Int64("count", deleted))
		if err := w.store.Vacuum(); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}

	if w.db.BackupEnabled && w.db.BackupPath != "" {
		if _, err := w.store.Backup(w.db.BackupPath); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}

	if err := w.rotateLogs(); err != nil {
		return fmt.Errorf("rotate logs: %w", err)
	}
	return nil
}

// rotateLogs shifts the log file into numbered backups once it exceeds
// the configured size. The active file is renamed, not truncated; the
// logger reopens it on its next write.
func (w *CleanupWorker) rotateLogs() error {
	file := w.logging.File
	if file == "" || w.logging.MaxSizeMB <= 0 {
		return nil
	}
	fi, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size() < int64(w.logging.MaxSizeMB)*1024*1024 {
		return nil
	}

	backups := w.logging.BackupCount
	if backups < 1 {
		backups = 1
	}
	os.Remove(fmt.Sprintf("%s.%d", file, backups))
	for i := backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", file, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, fmt.Sprintf("%s.%d", file, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(file, file+".1"); err != nil {
		return err
	}
	w.logger.Info("log file rotated",
		zap.String("file", file), zap.Int64("bytes", fi.Size()))
	return nil
}
