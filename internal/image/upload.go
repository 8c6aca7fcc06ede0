package image

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// Uploader copies a local file to the hypervisor host. Implementations write
// to a temporary name and rename it into place, so remotePath never holds a
// partial file.
type Uploader interface {
	Name() string
	Available(ctx context.Context) bool
	Upload(ctx context.Context, localPath, remotePath string) error
}

// partName returns a unique temporary sibling of path.
func partName(path string) string {
	return fmt.Sprintf("%s.part-%s", path, uuid.NewString()[:8])
}

// SCPUploader copies files with the local scp binary.
type SCPUploader struct {
	local  runner.Runner
	remote hostfs.FS
	target target.Target
	ssh    config.SSHConfig
	log    logr.Logger
}

// NewSCPUploader creates an SCPUploader. local runs scp on this machine and
// remote finishes the upload on the hypervisor host.
func NewSCPUploader(local runner.Runner, remote hostfs.FS, t target.Target, ssh config.SSHConfig, log logr.Logger) *SCPUploader {
	return &SCPUploader{local: local, remote: remote, target: t, ssh: ssh, log: log}
}

// Name implements Uploader.
func (u *SCPUploader) Name() string { return "scp" }

// Available implements Uploader.
func (u *SCPUploader) Available(ctx context.Context) bool {
	return u.local.Available(ctx, "scp")
}

// Upload implements Uploader.
func (u *SCPUploader) Upload(ctx context.Context, localPath, remotePath string) error {
	tmp := partName(remotePath)

	if _, err := u.local.Run(ctx, runner.Command{Name: "scp", Args: u.args(localPath, tmp), Timeout: remaining(ctx)}); err != nil {
		u.cleanup(ctx, tmp)
		return fmt.Errorf("scp failed: %w", err)
	}
	if err := u.remote.Rename(ctx, tmp, remotePath); err != nil {
		u.cleanup(ctx, tmp)
		return err
	}
	return nil
}

func (u *SCPUploader) args(localPath, remotePath string) []string {
	port := u.target.Port
	if port == 0 {
		port = u.ssh.Port
	}

	args := []string{"-q", "-B", "-P", strconv.Itoa(port)}
	if u.ssh.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(u.ssh.ConnectTimeout/time.Second)))
	}
	if !u.ssh.StrictHostKeyChecking {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}
	for _, f := range u.ssh.IdentityFiles {
		path := config.ExpandHome(f)
		if _, err := os.Stat(path); err == nil {
			args = append(args, "-i", path)
		}
	}

	host := u.target.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	user := u.target.User
	if user == "" {
		user = u.ssh.User
	}
	dest := host + ":" + remotePath
	if user != "" {
		dest = user + "@" + dest
	}

	return append(args, localPath, dest)
}

func (u *SCPUploader) cleanup(ctx context.Context, path string) {
	if err := u.remote.Remove(ctx, path); err != nil {
		u.log.Error(err, "failed to remove partial upload", "path", path)
	}
}

// StreamUploader pipes the file through the remote runner into cat. It needs
// nothing on either host beyond a POSIX shell.
type StreamUploader struct {
	remote runner.Runner
	log    logr.Logger
}

// NewStreamUploader creates a StreamUploader over the hypervisor runner.
func NewStreamUploader(remote runner.Runner, log logr.Logger) *StreamUploader {
	return &StreamUploader{remote: remote, log: log}
}

// Name implements Uploader.
func (u *StreamUploader) Name() string { return "ssh-stream" }

// Available implements Uploader.
func (u *StreamUploader) Available(ctx context.Context) bool {
	return u.remote.Available(ctx, "cat")
}

// Upload implements Uploader.
func (u *StreamUploader) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	tmp := runner.Quote(partName(remotePath))
	script := fmt.Sprintf("cat > %s && chmod 644 %s && mv -f %s %s || { rm -f %s; exit 1; }",
		tmp, tmp, tmp, runner.Quote(remotePath), tmp)

	cmd := runner.Shell(script)
	cmd.Stdin = f
	cmd.Timeout = remaining(ctx)
	if _, err := u.remote.Run(ctx, cmd); err != nil {
		return fmt.Errorf("stream upload failed: %w", err)
	}
	return nil
}

// remaining returns the time left on ctx so an upload is bounded by the
// download deadline instead of the short per-command default.
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return 24 * time.Hour
}
