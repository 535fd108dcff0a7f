// Package adapters spawns the wrapped AI CLI tools as subprocesses and
// normalises their output. Each adapter owns a binary path and a per-attempt
// timeout; failed attempts are retried with exponential backoff.
package adapters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AIResponse is the normalised result of one tool invocation.
type AIResponse struct {
	RawOutput       string
	Stdout          string
	Stderr          string
	ExitCode        int
	Error           string
	ExecutionTimeMS int64
}

// StreamFunc receives stdout lines as they arrive.
type StreamFunc func(line string)

// Adapter is the contract every wrapped tool satisfies.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, prompt string, stream StreamFunc) (*AIResponse, error)
	ValidateInstallation() bool
	Version() string
}

const (
	defaultTimeout    = 120 * time.Second
	versionTimeout    = 5 * time.Second
	defaultMaxRetries = 3
)

// base carries the subprocess mechanics shared by all adapters.
type base struct {
	name       string
	cliPath    string
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

func newBase(name, cliPath string, timeout time.Duration, logger *zap.Logger) base {
	if cliPath == "" {
		cliPath = name
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{name: name, cliPath: cliPath, timeout: timeout, maxRetries: defaultMaxRetries, logger: logger}
}

func (b *base) Name() string { return b.name }

// Execute runs the CLI with the prompt as its argument, retrying on
// non-zero exit or timeout. The returned response always carries the last
// attempt's output even when all attempts failed.
func (b *base) Execute(ctx context.Context, prompt string, stream StreamFunc) (*AIResponse, error) {
	var last *AIResponse
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		resp, err := b.runOnce(ctx, prompt, stream)
		if err != nil {
			return nil, err
		}
		last = resp
		if resp.ExitCode == 0 {
			return resp, nil
		}

		b.logger.Warn("tool invocation failed",
			zap.String("tool", b.name),
			zap.Int("attempt", attempt),
			zap.Int("exit_code", resp.ExitCode),
			zap.String("error", resp.Error))

		if attempt < b.maxRetries {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return last, nil
}

func (b *base) runOnce(ctx context.Context, prompt string, stream StreamFunc) (*AIResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(attemptCtx, b.cliPath, prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()

	var stdout string
	var runErr error
	if stream != nil {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", b.cliPath, err)
		}
		var sb strings.Builder
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			sb.WriteString(line)
			sb.WriteByte('\n')
			stream(line)
		}
		stdout = sb.String()
		runErr = cmd.Wait()
	} else {
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", b.cliPath, err)
		}
		runErr = cmd.Wait()
		stdout = out.String()
	}

	resp := &AIResponse{
		Stdout:          stdout,
		Stderr:          stderr.String(),
		RawOutput:       stdout,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}

	switch {
	case attemptCtx.Err() == context.DeadlineExceeded:
		resp.ExitCode = -1
		resp.Error = fmt.Sprintf("Timeout after %ds", int(b.timeout.Seconds()))
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
		}
		resp.Error = strings.TrimSpace(stderr.String())
		if resp.Error == "" {
			resp.Error = runErr.Error()
		}
	}
	return resp, nil
}

// ValidateInstallation reports whether the binary resolves on PATH.
func (b *base) ValidateInstallation() bool {
	_, err := exec.LookPath(b.cliPath)
	if err != nil {
		b.logger.Warn("tool not found on PATH",
			zap.String("tool", b.name), zap.String("cli_path", b.cliPath))
		return false
	}
	return true
}

// versionForms matches the version strings the wrapped CLIs print.
var versionForms = []*regexp.Regexp{
	regexp.MustCompile(`v(\d+\.\d+\.\d+)`),
	regexp.MustCompile(`(\d+\.\d+\.\d+)`),
	regexp.MustCompile(`(?i)[a-z]+\s+(\d+\.\d+)`),
}

// Version runs `cli --version` with a short timeout and parses the result.
func (b *base) Version() string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.cliPath, "--version").Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "timeout"
	}
	if err != nil {
		return "error"
	}
	return ParseVersion(string(out))
}

// ParseVersion extracts a version number from --version output.
func ParseVersion(out string) string {
	for _, re := range versionForms {
		if m := re.FindStringSubmatch(out); m != nil {
			return m[1]
		}
	}
	return "unknown"
}
