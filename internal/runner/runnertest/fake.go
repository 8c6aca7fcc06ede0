// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"io"
	"sync"

	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// Call is one recorded invocation.
type Call struct {
	Cmd   runner.Command
	Stdin []byte
}

// Line renders the call as a shell line.
func (c Call) Line() string { return c.Cmd.String() }

// Fake records commands and answers them with Handler.
type Fake struct {
	mu sync.Mutex

	// TransportValue is returned by Transport. Defaults to local.
	TransportValue target.Transport
	// Missing lists tools reported as not installed.
	Missing map[string]bool
	// Handler answers a call. Nil means success with empty output.
	Handler func(call Call) (runner.Result, error)

	calls []Call
}

// New creates a Fake for the given transport.
func New(t target.Transport) *Fake {
	return &Fake{TransportValue: t, Missing: map[string]bool{}}
}

// Run implements runner.Runner.
func (f *Fake) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	call := Call{Cmd: cmd}
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return runner.Result{ExitCode: -1}, err
		}
		call.Stdin = data
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	missing := f.Missing[cmd.Name]
	handler := f.Handler
	f.mu.Unlock()

	if missing {
		return runner.Result{ExitCode: -1}, &runner.ToolMissingError{Tool: cmd.Name}
	}
	if handler == nil {
		return runner.Result{}, nil
	}
	return handler(call)
}

// Available implements runner.Runner.
func (f *Fake) Available(_ context.Context, tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Missing[tool]
}

// Transport implements runner.Runner.
func (f *Fake) Transport() target.Transport {
	if f.TransportValue == "" {
		return target.Local
	}
	return f.TransportValue
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded calls as shell lines.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

// Exit builds the result and error of a command that exited with code.
func Exit(cmd runner.Command, code int, stderr string) (runner.Result, error) {
	return runner.Result{ExitCode: code, Stderr: stderr},
		&runner.ExitError{Command: cmd.String(), ExitCode: code, Stderr: stderr}
}

// OK builds a successful result with stdout.
func OK(stdout string) (runner.Result, error) {
	return runner.Result{Stdout: stdout}, nil
}
