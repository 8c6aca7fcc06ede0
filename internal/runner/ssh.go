package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/target"
)

// exitToolMissing is the status POSIX shells return for an unknown command.
const exitToolMissing = 127

// Dialer opens SSH connections to the hypervisor host of a target.
type Dialer struct {
	target target.Target
	cfg    config.SSHConfig
	log    logr.Logger
}

// NewDialer creates a Dialer for an SSH target.
func NewDialer(t target.Target, cfg config.SSHConfig, log logr.Logger) *Dialer {
	return &Dialer{target: t, cfg: cfg, log: log}
}

// Host returns user@host for messages.
func (d *Dialer) Host() string {
	return d.target.Destination(d.cfg.User)
}

// Dial connects and authenticates. The caller owns the returned client.
func (d *Dialer) Dial(ctx context.Context) (*ssh.Client, error) {
	addr := d.target.Address(d.cfg.Port)

	clientConfig, agentConn, err := d.clientConfig()
	if err != nil {
		return nil, &ConnectionError{Host: d.Host(), Err: err}
	}
	if agentConn != nil {
		// Agent signers are only needed during the handshake.
		defer agentConn.Close()
	}

	netDialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: d.Host(), Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Host: d.Host(), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// clientConfig assembles authentication from the SSH agent and identity
// files. The returned agent connection, if any, must be closed by the caller.
func (d *Dialer) clientConfig() (*ssh.ClientConfig, net.Conn, error) {
	var (
		methods   []ssh.AuthMethod
		agentConn net.Conn
	)

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			d.log.V(1).Info("ssh agent unavailable", "socket", sock, "error", err.Error())
		} else {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	var signers []ssh.Signer
	for _, path := range d.cfg.IdentityFiles {
		path = config.ExpandHome(path)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			d.log.V(1).Info("skipping unusable identity file", "path", path, "error", err.Error())
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh credentials: start an ssh agent or configure ssh.identity_files")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in strict checking below
	if d.cfg.StrictHostKeyChecking {
		cb, err := knownhosts.New(config.ExpandHome(d.cfg.KnownHosts))
		if err != nil {
			if agentConn != nil {
				agentConn.Close()
			}
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	user := d.target.User
	if user == "" {
		user = d.cfg.User
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}, agentConn, nil
}

// remoteExitError classifies a non-zero remote exit. Status 127 means the
// named tool is missing, except for shell scripts, where it belongs to
// whatever command inside the script was not found.
func remoteExitError(cmd Command, host string, res Result) error {
	if res.ExitCode == exitToolMissing && cmd.Name != "sh" {
		return &ToolMissingError{Tool: cmd.Name, Host: host}
	}
	return &ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
}

// SSHRunner runs commands on the hypervisor host over SSH. Each Run opens
// and closes its own connection.
type SSHRunner struct {
	dialer  *Dialer
	timeout time.Duration
	log     logr.Logger
	metrics *metrics.Recorder
}

// NewSSHRunner creates an SSHRunner with a default per-command timeout.
func NewSSHRunner(d *Dialer, timeout time.Duration, log logr.Logger, rec *metrics.Recorder) *SSHRunner {
	return &SSHRunner{dialer: d, timeout: timeout, log: log, metrics: rec}
}

// Transport implements Runner.
func (r *SSHRunner) Transport() target.Transport { return target.SSH }

// Available implements Runner.
func (r *SSHRunner) Available(ctx context.Context, tool string) bool {
	_, err := r.Run(ctx, Command{Name: "command", Args: []string{"-v", tool}})
	return err == nil
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := budget(ctx, effectiveTimeout(cmd, r.timeout))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line := cmd.String()
	r.log.V(2).Info("running remote command", "host", r.dialer.Host(), "command", line, "timeout", timeout)

	start := time.Now()
	client, err := r.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1}, &TimeoutError{Command: line, Timeout: timeout}
		}
		return Result{ExitCode: -1}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, &ConnectionError{Host: r.dialer.Host(), Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = cmd.Stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(line); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %q on %s: %w", line, r.dialer.Host(), err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = client.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		r.metrics.RecordCommand(cmd.Name, string(target.SSH), time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1}, &TimeoutError{Command: line, Timeout: timeout}
		}
		return Result{ExitCode: -1}, fmt.Errorf("command %q interrupted: %w", line, ctx.Err())
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	r.metrics.RecordCommand(cmd.Name, string(target.SSH), res.Duration)

	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, remoteExitError(cmd, r.dialer.Host(), res)
	}

	res.ExitCode = -1
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return res, &ExitError{Command: line, ExitCode: -1, Stderr: res.Stderr}
	}
	return res, &ConnectionError{Host: r.dialer.Host(), Err: err}
}
