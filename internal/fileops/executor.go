// Package fileops extracts file operations from AI output and executes
// them under a safety policy scoped to a project root.
package fileops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// ErrConfirmationRequired marks operations that are safe enough to write
// but only with an explicit user go-ahead.
var ErrConfirmationRequired = errors.New("user confirmation required")

// FileOperation is one extracted file action.
type FileOperation struct {
	Type        string // create, update, delete
	Path        string
	Content     string
	Validated   bool
	SafetyScore float64
	Warnings    []string
}

// systemPaths are absolute prefixes that are never writable.
var systemPaths = []string{
	"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
	"/boot", "/sys", "/proc", "/dev",
	`C:\Windows`, `C:\Program Files`,
}

// dangerousPatterns deduct from the safety score wherever they appear.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\beval\b`),
	regexp.MustCompile(`\bexec\b`),
	regexp.MustCompile(`__import__`),
	regexp.MustCompile(`\.exe$`),
	regexp.MustCompile(`\.bat$`),
	regexp.MustCompile(`\.sh$`),
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*=\s*['"][^'"]+['"]`),
	regexp.MustCompile(`(?i)api_key\s*=\s*['"][^'"]+['"]`),
	regexp.MustCompile(`(?i)secret\s*=\s*['"][^'"]+['"]`),
	regexp.MustCompile(`(?i)token\s*=\s*['"][^'"]+['"]`),
}

var safeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".go": true, ".rs": true, ".cpp": true, ".c": true,
	".h": true, ".css": true, ".scss": true, ".html": true, ".json": true,
	".yaml": true, ".yml": true, ".md": true, ".txt": true, ".sql": true,
}

var (
	fencedPathRe = regexp.MustCompile("(?s)```(\\w+):([^\\n]+)\\n(.*?)```")
	fileHeaderRe = regexp.MustCompile(`File:\s*([^\n]+)\n\s*Content:`)
	saveToRe     = regexp.MustCompile(`Save to:\s*([^\n]+)`)
	plainFenceRe = regexp.MustCompile("(?s)```(?:\\w+)?\\n(.*?)```")
)

// Executor validates and executes file operations under a project root.
type Executor struct {
	projectRoot string
	autoSave    bool
	logger      *zap.Logger
}

// NewExecutor builds an executor rooted at projectRoot.
func NewExecutor(projectRoot string, autoSave bool, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	return &Executor{projectRoot: root, autoSave: autoSave, logger: logger}, nil
}

// ExtractOperations pulls file operations out of raw AI output. Three
// shapes are recognised: a fenced block whose info string carries
// lang:path, a "File: / Content:" pair, and a "Save to:" line following a
// plain fence.
func (e *Executor) ExtractOperations(output string) []FileOperation {
	var ops []FileOperation

	for _, m := range fencedPathRe.FindAllStringSubmatch(output, -1) {
		ops = append(ops, FileOperation{
			Type:    "create",
			Path:    strings.TrimSpace(m[2]),
			Content: strings.TrimSpace(m[3]),
		})
	}

	headers := fileHeaderRe.FindAllStringSubmatchIndex(output, -1)
	for i, loc := range headers {
		path := strings.TrimSpace(output[loc[2]:loc[3]])
		end := len(output)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		ops = append(ops, FileOperation{
			Type:    "create",
			Path:    path,
			Content: strings.TrimSpace(output[loc[1]:end]),
		})
	}

	for _, loc := range saveToRe.FindAllStringSubmatchIndex(output, -1) {
		path := strings.TrimSpace(output[loc[2]:loc[3]])
		if fence := plainFenceRe.FindStringSubmatch(output[:loc[0]]); fence != nil {
			ops = append(ops, FileOperation{
				Type:    "create",
				Path:    path,
				Content: strings.TrimSpace(fence[1]),
			})
		}
	}

	e.logger.Debug("extracted file operations", zap.Int("count", len(ops)))
	return ops
}

// Validate scores the operation and reports whether it is safe to write.
// Absolute rejects (system paths, escaping the root) return false
// regardless of score.
func (e *Executor) Validate(op *FileOperation) (bool, []string) {
	var warnings []string
	score := 1.0
	rejected := false

	fullPath := filepath.Clean(filepath.Join(e.projectRoot, op.Path))

	rel, relErr := filepath.Rel(e.projectRoot, fullPath)
	if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		warnings = append(warnings, "Path outside project root (potential path traversal)")
		score -= 0.5
		rejected = true
	}

	for _, sysPath := range systemPaths {
		if strings.HasPrefix(fullPath, sysPath) {
			warnings = append(warnings, fmt.Sprintf("System path detected: %s", sysPath))
			op.Validated = true
			op.Warnings = warnings
			op.SafetyScore = 0
			return false, warnings
		}
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(fullPath) {
			warnings = append(warnings, fmt.Sprintf("Dangerous pattern in path: %s", re.String()))
			score -= 0.3
		}
	}

	ext := strings.ToLower(filepath.Ext(op.Path))
	if !safeExtensions[ext] {
		warnings = append(warnings, fmt.Sprintf("Uncommon file extension: %s", ext))
		score -= 0.2
	}

	if op.Content != "" {
		for _, re := range dangerousPatterns {
			if re.MatchString(op.Content) {
				warnings = append(warnings, fmt.Sprintf("Dangerous pattern in content: %s", re.String()))
				score -= 0.3
			}
		}
		for _, re := range secretPatterns {
			if re.MatchString(op.Content) {
				warnings = append(warnings, "Potential hardcoded secret detected")
				score -= 0.2
				break
			}
		}
	}

	if score < 0 {
		score = 0
	}
	op.SafetyScore = score
	op.Warnings = warnings
	op.Validated = true

	safe := score >= 0.5 && !rejected
	e.logger.Debug("operation validated",
		zap.String("file", op.Path),
		zap.Bool("safe", safe),
		zap.Float64("score", score),
		zap.Int("warnings", len(warnings)))
	return safe, warnings
}

// Execute writes (or deletes) the file. With confirm true, operations
// below auto-save quality and under score 0.7 return
// ErrConfirmationRequired instead of writing.
func (e *Executor) Execute(op *FileOperation, confirm bool) error {
	if !op.Validated {
		safe, warnings := e.Validate(op)
		if !safe {
			return fmt.Errorf("unsafe operation: %s", strings.Join(warnings, "; "))
		}
	}

	canAutoSave := e.autoSave && op.SafetyScore >= 0.8 && len(op.Warnings) == 0
	if confirm && !canAutoSave {
		e.logger.Info("confirmation required",
			zap.String("file", op.Path),
			zap.Float64("score", op.SafetyScore),
			zap.Strings("warnings", op.Warnings))
		if op.SafetyScore < 0.7 {
			return ErrConfirmationRequired
		}
	}

	fullPath := filepath.Clean(filepath.Join(e.projectRoot, op.Path))

	switch op.Type {
	case "create", "update":
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return fmt.Errorf("create directories: %w", err)
		}
		if err := os.WriteFile(fullPath, []byte(op.Content), 0o644); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		e.logger.Info("file operation executed",
			zap.String("type", op.Type),
			zap.String("file", fullPath),
			zap.Bool("auto_save", canAutoSave))
		return nil
	case "delete":
		if _, err := os.Stat(fullPath); err != nil {
			return errors.New("file does not exist")
		}
		if err := os.Remove(fullPath); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		e.logger.Info("file deleted", zap.String("file", fullPath))
		return nil
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// OperationError pairs a file path with its failure.
type OperationError struct {
	File  string
	Error string
}

// Summary is the outcome of a batch execution.
type Summary struct {
	Total        int
	Succeeded    int
	Failed       int
	Skipped      int
	Errors       []OperationError
	CreatedFiles []string
}

// ExecuteAll runs every operation and aggregates the outcome.
// Confirmation-gated operations count as skipped, not failed.
func (e *Executor) ExecuteAll(ops []FileOperation, confirmAll bool) Summary {
	summary := Summary{Total: len(ops)}

	for i := range ops {
		err := e.Execute(&ops[i], confirmAll)
		switch {
		case err == nil:
			summary.Succeeded++
			summary.CreatedFiles = append(summary.CreatedFiles, ops[i].Path)
		case errors.Is(err, ErrConfirmationRequired):
			summary.Skipped++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, OperationError{File: ops[i].Path, Error: err.Error()})
		}
	}

	e.logger.Info("batch execution complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary
}
