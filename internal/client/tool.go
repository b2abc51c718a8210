package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Tool failure kinds. Every adapter error wraps exactly one of these inside
// a *ToolError, so callers can branch with errors.Is.
var (
	ErrToolUnavailable = errors.New("tool unavailable")
	ErrToolTimeout     = errors.New("tool timed out")
	ErrToolFailed      = errors.New("tool failed")
	ErrOutputMissing   = errors.New("expected output missing")
	ErrOutputTooSmall  = errors.New("output below size floor")
)

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 15 * time.Minute

const outputTailBytes = 2048

// ToolError describes a failed tool invocation.
type ToolError struct {
	Tool     string
	Kind     error
	ExitCode int
	Path     string
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	return b.String()
}

func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Runner executes external tools with a shared timeout.
type Runner struct {
	timeout  time.Duration
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath func(file string) (string, error)
}

// NewRunner creates a runner. A non-positive timeout uses DefaultToolTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Runner{
		timeout:  timeout,
		command:  exec.CommandContext,
		lookPath: exec.LookPath,
	}
}

// WithCommand overrides process construction (for testing).
func (r *Runner) WithCommand(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) *Runner {
	r.command = fn
	r.lookPath = func(file string) (string, error) { return file, nil }
	return r
}

// Timeout returns the per-invocation limit.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run executes binary with args and classifies the failure. tool names the
// adapter in error messages.
func (r *Runner) Run(ctx context.Context, tool, binary string, args ...string) ([]byte, error) {
	if binary == "" {
		return nil, &ToolError{Tool: tool, Kind: ErrToolUnavailable, Err: errors.New("no binary configured")}
	}
	resolved, err := r.lookPath(binary)
	if err != nil {
		return nil, &ToolError{Tool: tool, Kind: ErrToolUnavailable, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := r.command(ctx, resolved, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err == nil {
		return output, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, &ToolError{Tool: tool, Kind: ErrToolTimeout, Err: fmt.Errorf("after %s", r.timeout)}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return output, &ToolError{Tool: tool, Kind: ErrToolUnavailable, Err: err}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, &ToolError{
			Tool:     tool,
			Kind:     ErrToolFailed,
			ExitCode: exitErr.ExitCode(),
			Output:   tail(output),
		}
	}
	return output, &ToolError{Tool: tool, Kind: ErrToolFailed, Err: err, Output: tail(output)}
}

// CheckOutput verifies that path exists and holds more than minBytes.
func CheckOutput(tool, path string, minBytes int64) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return &ToolError{Tool: tool, Kind: ErrOutputMissing, Path: path}
	}
	if err != nil {
		return &ToolError{Tool: tool, Kind: ErrOutputMissing, Path: path, Err: err}
	}
	if info.IsDir() {
		return &ToolError{Tool: tool, Kind: ErrOutputMissing, Path: path, Err: errors.New("is a directory")}
	}
	if info.Size() <= minBytes {
		return &ToolError{
			Tool: tool,
			Kind: ErrOutputTooSmall,
			Path: path,
			Err:  fmt.Errorf("%d bytes, need more than %d", info.Size(), minBytes),
		}
	}
	return nil
}

func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > outputTailBytes {
		s = "..." + s[len(s)-outputTailBytes:]
	}
	return s
}
