package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPermissions = 0o755
	waitDelay      = 2 * time.Second
)

// Runner executes one InvocationSpec as a child process.
type Runner struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewRunner returns a Runner; a zero timeout lets the child run until it
// exits or the caller's context is cancelled.
func NewRunner(timeout time.Duration, log *slog.Logger) *Runner {
	return &Runner{timeout: timeout, log: log}
}

// Run blocks until the child exits. It succeeds only if the child exits with
// status zero and spec.OutputPath exists afterwards.
func (r *Runner) Run(ctx context.Context, spec InvocationSpec) Result {
	outputDir := filepath.Dir(spec.OutputPath)
	if err := os.MkdirAll(outputDir, dirPermissions); err != nil {
		r.log.Error("failed to create output directory", slog.String("dir", outputDir), slog.String("error", err.Error()))
		return Failure("Failed to create output directory")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Failure("Failed to execute bark: %v", err)
	}
	r.log.Debug("bark started", slog.Int("pid", cmd.Process.Pid), slog.String("output", spec.OutputPath))

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); waitErr != nil && ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && r.timeout > 0 {
			return Failure("Bark execution timed out after %s", r.timeout)
		}
		return Failure("Bark execution cancelled: %v", ctxErr)
	}

	diagnostics := strings.TrimSpace(stderr.String())
	if waitErr != nil {
		if diagnostics == "" {
			diagnostics = waitErr.Error()
		}
		return Failure("Bark execution failed: %s", diagnostics)
	}

	info, err := os.Stat(spec.OutputPath)
	if err != nil || !info.Mode().IsRegular() {
		missing := fmt.Sprintf("output file %s was not created", spec.OutputPath)
		if diagnostics != "" {
			missing += ": " + diagnostics
		}
		return Failure("Bark execution failed: %s", missing)
	}

	r.log.Debug("bark finished", slog.String("output", spec.OutputPath), slog.Duration("elapsed", elapsed))
	return Success(spec.OutputPath)
}
