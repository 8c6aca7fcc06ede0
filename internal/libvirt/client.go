package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// ErrConnection marks failures to reach the hypervisor.
var ErrConnection = errors.New("hypervisor connection failed")

// Client wraps a go-libvirt connection. One Client serves one logical
// operation and is closed when the operation ends.
type Client struct {
	libvirt *libvirt.Libvirt
	target  target.Target
}

// Connect opens a connection to the hypervisor described by t. Local
// targets use the libvirt unix socket directly; SSH targets forward the
// remote socket through an SSH connection.
//
// The returned Client must be closed via Close() when done.
func Connect(ctx context.Context, t target.Target, cfg *config.Config, log logr.Logger) (*Client, error) {
	timeout := cfg.Libvirt.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	var dialer socket.Dialer
	if t.IsRemote() {
		dialer = &sshSocketDialer{
			ctx:    ctx,
			dialer: runner.NewDialer(t, cfg.SSH, log),
			socket: t.Socket,
		}
	} else {
		socketPath := cfg.Libvirt.Socket
		if socketPath == "" {
			socketPath = target.DefaultSocket
		}
		dialer = dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(timeout),
		)
	}

	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		l := libvirt.NewWithDialer(dialer)
		if err := l.ConnectToURI(libvirt.ConnectURI(t.DriverURI())); err != nil {
			resultCh <- result{err: fmt.Errorf("%w: %s: %v", ErrConnection, t, err)}
			return
		}
		resultCh <- result{client: &Client{libvirt: l, target: t}}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connection cancelled: %v", ErrConnection, ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c == nil || c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client. Consumers depend on
// their own narrow interfaces, which *libvirt.Libvirt satisfies.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Target returns the hypervisor target this client is connected to.
func (c *Client) Target() target.Target {
	return c.target
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}

// sshSocketDialer implements socket.Dialer by opening the libvirt unix
// socket on the remote host through an SSH connection.
type sshSocketDialer struct {
	ctx    context.Context
	dialer *runner.Dialer
	socket string
}

// Dial implements socket.Dialer.
func (d *sshSocketDialer) Dial() (net.Conn, error) {
	client, err := d.dialer.Dial(d.ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.Dial("unix", d.socket)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open %s on %s: %w", d.socket, d.dialer.Host(), err)
	}

	return &tunnelConn{Conn: conn, client: client}, nil
}

// tunnelConn closes the SSH client together with the forwarded socket.
type tunnelConn struct {
	net.Conn
	client *ssh.Client
	once   sync.Once
}

func (c *tunnelConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		if cerr := c.client.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
