// Package hostfs performs file operations on the hypervisor host,
// whether that is this machine or a remote host reached through a runner.
package hostfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// FS is the set of file operations kiln needs on the hypervisor host.
type FS interface {
	// Exists reports whether path is an existing regular file.
	Exists(ctx context.Context, path string) (bool, error)
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Rename(ctx context.Context, from, to string) error
	Transport() target.Transport
}

// New returns the FS matching the runner's transport.
func New(r runner.Runner) FS {
	if r.Transport() == target.SSH {
		return &Remote{runner: r}
	}
	return Local{}
}

// Local operates on this machine's filesystem.
type Local struct{}

// Transport implements FS.
func (Local) Transport() target.Transport { return target.Local }

// Exists implements FS.
func (Local) Exists(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Mode().IsRegular(), nil
}

// Remove implements FS. Removing a missing file is not an error.
func (Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// RemoveAll implements FS.
func (Local) RemoveAll(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// MkdirAll implements FS.
func (Local) MkdirAll(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// WriteFile implements FS.
func (Local) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile implements FS.
func (Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Rename implements FS.
func (Local) Rename(_ context.Context, from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Remote operates on the hypervisor host through shell commands.
type Remote struct {
	runner runner.Runner
}

// NewRemote creates a Remote over r.
func NewRemote(r runner.Runner) *Remote {
	return &Remote{runner: r}
}

// Transport implements FS.
func (r *Remote) Transport() target.Transport { return r.runner.Transport() }

// Exists implements FS using test -f. Exit status 1 means absent; any other
// failure is returned as an error.
func (r *Remote) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.runner.Run(ctx, runner.Command{Name: "test", Args: []string{"-f", path}})
	if err == nil {
		return true, nil
	}
	if runner.ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s: %w", path, err)
}

// Remove implements FS.
func (r *Remote) Remove(ctx context.Context, path string) error {
	if _, err := r.runner.Run(ctx, runner.Command{Name: "rm", Args: []string{"-f", path}}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// RemoveAll implements FS.
func (r *Remote) RemoveAll(ctx context.Context, path string) error {
	if _, err := r.runner.Run(ctx, runner.Command{Name: "rm", Args: []string{"-rf", path}}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// MkdirAll implements FS.
func (r *Remote) MkdirAll(ctx context.Context, path string) error {
	if _, err := r.runner.Run(ctx, runner.Command{Name: "mkdir", Args: []string{"-p", path}}); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// WriteFile implements FS by streaming data into cat.
func (r *Remote) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	q := runner.Quote(path)
	cmd := runner.Shell(fmt.Sprintf("cat > %s && chmod %o %s", q, perm.Perm(), q))
	cmd.Stdin = bytes.NewReader(data)
	if _, err := r.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile implements FS.
func (r *Remote) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := r.runner.Run(ctx, runner.Command{Name: "cat", Args: []string{path}})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return []byte(res.Stdout), nil
}

// Rename implements FS.
func (r *Remote) Rename(ctx context.Context, from, to string) error {
	if _, err := r.runner.Run(ctx, runner.Command{Name: "mv", Args: []string{"-f", from, to}}); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}
