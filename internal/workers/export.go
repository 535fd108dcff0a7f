package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

const (
	exportInterval = 600 * time.Second
	exportFile     = "AI_Failure_Modes.md"
	exportLimit    = 100
)

// MarkdownExporter renders the most recent failures into a markdown
// report and records the content hash in the version audit table.
type MarkdownExporter struct {
	store    *store.Store
	dir      string
	interval time.Duration
	logger   *zap.Logger
}

func NewMarkdownExporter(s *store.Store, dir string, logger *zap.Logger) *MarkdownExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarkdownExporter{store: s, dir: dir, interval: exportInterval, logger: logger}
}

func (w *MarkdownExporter) Name() string            { return "markdown_export" }
func (w *MarkdownExporter) Interval() time.Duration { return w.interval }

func (w *MarkdownExporter) RunOnce(ctx context.Context) error {
	failures, err := w.store.RecentFailures(exportLimit)
	if err != nil {
		return fmt.Errorf("load recent failures: %w", err)
	}

	content := Render(failures, time.Now().UTC())

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(w.dir, exportFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	sum := sha256.Sum256([]byte(content))
	if err := w.store.RecordGuardrailVersion(exportFile, hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("record report version: %w", err)
	}

	w.logger.Debug("failure report exported",
		zap.String("path", path), zap.Int("failures", len(failures)))
	return nil
}

// Render produces the report body for a failure list.
func Render(failures []store.FailureModeRow, now time.Time) string {
	var b strings.Builder
	b.WriteString("# AI Failure Modes\n\n")
	fmt.Fprintf(&b, "Updated: %s\n\n", now.Format(time.RFC3339))
	b.WriteString("| Timestamp | Category | Severity | Tool | Context |\n")
	b.WriteString("|-----------|----------|----------|------|---------|\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			f.CreatedAt.UTC().Format(time.RFC3339),
			cell(f.Category), cell(string(f.Severity)), cell(f.Tool), cell(f.Context))
	}
	return b.String()
}

// cell makes a value safe inside a markdown table row.
func cell(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(v, "|", `\|`)
}
