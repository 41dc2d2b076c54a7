// Package invoke executes external tools as isolated subprocesses, with
// deadline enforcement, bounded log capture, and log persistence. Nonzero
// exits and timeouts are classified but never retried here; retry policy
// belongs to the scheduler.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/calveira/cpspflow/internal/apperr"
)

// DefaultMaxLogBytes caps captured output per invocation.
const DefaultMaxLogBytes = 1 << 20

// Spec describes one external invocation.
type Spec struct {
	Name    string        // short label used in logs and errors
	Path    string        // executable to run
	Args    []string      //
	Dir     string        // working directory; empty inherits the process dir
	Env     []string      // extra KEY=VALUE entries appended to the environment
	Timeout time.Duration // 0 disables the deadline
	LogPath string        // file the combined output is persisted to; empty skips
}

// Result is what an invocation produced, available even when it failed.
type Result struct {
	ExitCode  int
	Log       string
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// Runner launches subprocesses. Safe for concurrent use; every invocation
// owns its process and buffers.
type Runner struct {
	maxLog int
	logger *slog.Logger
}

// NewRunner creates a runner capping captured output at maxLogBytes.
func NewRunner(maxLogBytes int, logger *slog.Logger) *Runner {
	if maxLogBytes <= 0 {
		maxLogBytes = DefaultMaxLogBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{maxLog: maxLogBytes, logger: logger}
}

// Run executes spec and blocks until it exits or the deadline fires.
// stdout and stderr are captured interleaved and, when LogPath is set,
// persisted no matter how the invocation ended. Failure classification:
// launch problems wrap ErrInvocation, deadline kills wrap ErrTimeout,
// nonzero exits wrap ErrExternalTool with a log excerpt attached, and
// parent-context cancellation wraps ErrCancelled.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Path == "" {
		return Result{}, fmt.Errorf("invoke: %s: %w: empty command", spec.Name, apperr.ErrInvocation)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: r.maxLog}
	cmd.Stdout = lw
	cmd.Stderr = lw

	r.logger.Debug("invoking tool",
		slog.String("name", spec.Name),
		slog.String("path", spec.Path),
		slog.Duration("timeout", spec.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()

	res := Result{
		Log:       out.String(),
		Truncated: lw.truncated,
		Duration:  time.Since(start),
	}

	persistErr := r.persistLog(spec, res.Log)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		r.logger.Warn("tool timed out",
			slog.String("name", spec.Name),
			slog.Duration("timeout", spec.Timeout),
		)
		return res, fmt.Errorf("invoke: %s: %w after %s", spec.Name, apperr.ErrTimeout, spec.Timeout)

	case errors.Is(runCtx.Err(), context.Canceled):
		res.ExitCode = -1
		return res, fmt.Errorf("invoke: %s: %w", spec.Name, apperr.ErrCancelled)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Warn("tool exited nonzero",
				slog.String("name", spec.Name),
				slog.Int("exit_code", res.ExitCode),
				slog.Int("log_bytes", len(res.Log)),
			)
			return res, fmt.Errorf("invoke: %s exited %d: %w: %s", spec.Name, res.ExitCode, apperr.ErrExternalTool, Excerpt(res.Log, 400))
		}
		res.ExitCode = -1
		return res, fmt.Errorf("invoke: %s: %w: %v", spec.Name, apperr.ErrInvocation, runErr)
	}

	if persistErr != nil {
		return res, persistErr
	}

	r.logger.Info("tool completed",
		slog.String("name", spec.Name),
		slog.Duration("duration", res.Duration),
		slog.Int("log_bytes", len(res.Log)),
	)
	return res, nil
}

// persistLog writes the captured output to spec.LogPath. Failures here must
// not mask the invocation's own error, so the caller decides precedence.
func (r *Runner) persistLog(spec Spec, log string) error {
	if spec.LogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return fmt.Errorf("invoke: persist log for %s: %w", spec.Name, err)
	}
	if err := os.WriteFile(spec.LogPath, []byte(log), 0o644); err != nil {
		return fmt.Errorf("invoke: persist log for %s: %w", spec.Name, err)
	}
	return nil
}

// Excerpt returns the tail of a captured log, trimmed to a line boundary,
// suitable for embedding in errors and failure records.
func Excerpt(log string, max int) string {
	log = strings.TrimRight(log, "\n")
	if len(log) <= max {
		return log
	}
	tail := log[len(log)-max:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return "... " + tail
}

// limitedWriter caps how much of a tool's output is buffered. Overflow is
// discarded silently so a chatty tool cannot exhaust memory.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return orig, nil
	}
	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += n
	// Report the original length so the exec copier never sees a short write.
	return orig, err
}
