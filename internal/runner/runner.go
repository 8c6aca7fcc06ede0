// Package runner executes commands on the hypervisor host.
//
// The same Runner interface covers a local process and a command run over
// SSH, so higher-level code never branches on transport. Every call is
// bounded by a timeout. Callers tell the three failure classes apart with
// errors.Is:
//
//   - ErrToolMissing: the program is not installed (callers may fall back)
//   - ErrTimeout:     the command ran past its deadline and was killed
//   - ErrExit:        the command ran and exited non-zero
//
// SSH transport failures match ErrConnection.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/target"
)

// Sentinel errors for the failure classes.
var (
	ErrToolMissing = errors.New("tool not installed")
	ErrTimeout     = errors.New("command timed out")
	ErrExit        = errors.New("command failed")
	ErrConnection  = errors.New("connection failed")
)

// Command is a program invocation. Name is looked up on PATH of the host
// that runs it.
type Command struct {
	Name  string
	Args  []string
	Stdin io.Reader
	// Timeout bounds the whole invocation. Zero uses the runner default.
	Timeout time.Duration
}

// String renders the command as a POSIX shell line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// Shell builds a command that runs script with sh -c.
func Shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

// Result is the outcome of a command that ran.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner runs commands on one host.
type Runner interface {
	// Run executes cmd and waits for it. A non-zero exit returns the Result
	// together with an *ExitError.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Available reports whether tool is installed on the host.
	Available(ctx context.Context, tool string) bool
	// Transport reports where commands run.
	Transport() target.Transport
}

// New returns the runner for t: a LocalRunner for local targets and an
// SSHRunner otherwise.
func New(t target.Target, cfg *config.Config, log logr.Logger, rec *metrics.Recorder) Runner {
	if t.IsRemote() {
		return NewSSHRunner(NewDialer(t, cfg.SSH, log), cfg.Commands.Timeout, log, rec)
	}
	return NewLocalRunner(cfg.Commands.Timeout, log, rec)
}

// ToolMissingError reports a program that is not installed.
type ToolMissingError struct {
	Tool string
	Host string
}

func (e *ToolMissingError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("required tool %q is not installed on %s", e.Tool, e.Host)
	}
	return fmt.Sprintf("required tool %q is not installed", e.Tool)
}

// Is matches ErrToolMissing.
func (e *ToolMissingError) Is(target error) bool { return target == ErrToolMissing }

// TimeoutError reports a command killed at its deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// Is matches ErrTimeout and context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// ExitError reports a command that exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, msg)
}

// Is matches ErrExit.
func (e *ExitError) Is(target error) bool { return target == ErrExit }

// ConnectionError reports a failure to reach the remote host.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ExitCode extracts the exit status from an error returned by Run.
// Returns -1 when err is not an *ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}

// budget returns how long a command started now may run: timeout, or the
// time left before an earlier deadline already set on ctx.
func budget(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			return max(left, 0)
		}
	}
	return timeout
}

// effectiveTimeout returns the command timeout or the runner default.
func effectiveTimeout(cmd Command, def time.Duration) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	return def
}
