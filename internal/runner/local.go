package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/target"
)

// LocalRunner runs commands as child processes of kiln.
type LocalRunner struct {
	timeout time.Duration
	log     logr.Logger
	metrics *metrics.Recorder
}

// NewLocalRunner creates a LocalRunner with a default per-command timeout.
func NewLocalRunner(timeout time.Duration, log logr.Logger, rec *metrics.Recorder) *LocalRunner {
	return &LocalRunner{timeout: timeout, log: log, metrics: rec}
}

// Transport implements Runner.
func (r *LocalRunner) Transport() target.Transport { return target.Local }

// Available implements Runner.
func (r *LocalRunner) Available(_ context.Context, tool string) bool {
	_, err := exec.LookPath(tool)
	return err == nil
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if _, err := exec.LookPath(cmd.Name); err != nil {
		return Result{ExitCode: -1}, &ToolMissingError{Tool: cmd.Name}
	}

	timeout := budget(ctx, effectiveTimeout(cmd, r.timeout))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdin = cmd.Stdin
	c.Stdout = &stdout
	c.Stderr = &stderr
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	c.WaitDelay = 2 * time.Second

	r.log.V(2).Info("running local command", "command", cmd.String(), "timeout", timeout)

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	r.metrics.RecordCommand(cmd.Name, string(target.Local), res.Duration)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		return res, &TimeoutError{Command: cmd.String(), Timeout: timeout}
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("command %q interrupted: %w", cmd.String(), ctx.Err())
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	res.ExitCode = -1
	return res, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}
