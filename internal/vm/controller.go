package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/image"
	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/target"
	"github.com/jbweber/kiln/internal/tracing"
)

// libvirt domain states, see virDomainState.
const (
	domainStateNoState     = 0
	domainStateRunning     = 1
	domainStateBlocked     = 2
	domainStatePaused      = 3
	domainStateShutdown    = 4
	domainStateShutoff     = 5
	domainStateCrashed     = 6
	domainStatePMSuspended = 7
)

// dialFunc opens a hypervisor connection. The returned func closes it.
type dialFunc func(ctx context.Context) (libvirtClient, func(), error)

// Controller runs VM lifecycle operations against one hypervisor target.
type Controller struct {
	cfg     *config.Config
	log     logr.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer

	resolver imageResolver
	packager isoPackager
	keys     keyCollector
	overlays overlayManager
	fs       hostfs.FS
	dial     dialFunc

	// pollInterval paces state checks while waiting for a guest to stop.
	pollInterval time.Duration
}

// New creates a Controller for target t. remote runs commands on the
// hypervisor host and local on this machine; pass the same runner twice for
// a local target.
func New(cfg *config.Config, t target.Target, remote, local runner.Runner, log logr.Logger, rec *metrics.Recorder) *Controller {
	fs := hostfs.New(remote)
	c := &Controller{
		cfg:          cfg,
		log:          log.WithName("vm"),
		metrics:      rec,
		tracer:       tracing.Tracer("github.com/jbweber/kiln/internal/vm"),
		resolver:     image.NewResolver(cfg, t, remote, local, log, rec),
		packager:     cloudinit.NewPackager(cfg, remote, log, rec),
		keys:         cloudinit.NewKeyCollector(cfg.CloudInit, fs, log),
		overlays:     storage.NewManager(cfg, remote, log),
		fs:           fs,
		pollInterval: 500 * time.Millisecond,
	}
	c.dial = func(ctx context.Context) (libvirtClient, func(), error) {
		client, err := kvirt.Connect(ctx, t, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return client.Libvirt(), func() {
			if err := client.Close(); err != nil {
				c.log.V(1).Info("failed to close libvirt connection", "error", err.Error())
			}
		}, nil
	}
	return c
}

// run opens a connection, runs fn, and records the outcome as a span and
// an operation metric.
func (c *Controller) run(ctx context.Context, op, name string, fn func(ctx context.Context, lv libvirtClient) error) error {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "vm."+op, trace.WithAttributes(attribute.String("vm.name", name)))
	defer span.End()

	err := c.withClient(ctx, fn)

	c.metrics.RecordOperation(op, outcome(err), time.Since(start))
	if err != nil && !IsNoop(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Controller) withClient(ctx context.Context, fn func(ctx context.Context, lv libvirtClient) error) error {
	lv, closeFn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer closeFn()
	return fn(ctx, lv)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case IsNoop(err):
		return metrics.OutcomeNoop
	case errors.Is(err, ErrPartial):
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeError
	}
}

// lookupDomain finds a domain by name, mapping libvirt's no-domain error to
// ErrNotFound.
func lookupDomain(lv libvirtClient, name string) (libvirt.Domain, error) {
	dom, err := lv.DomainLookupByName(name)
	if err != nil {
		if kvirt.IsNoDomain(err) {
			return libvirt.Domain{}, vmError(name, ErrNotFound)
		}
		return libvirt.Domain{}, fmt.Errorf("failed to look up VM '%s': %w", name, err)
	}
	return dom, nil
}

// domainState returns the current state of dom.
func domainState(lv libvirtClient, dom libvirt.Domain) (int32, error) {
	state, _, err := lv.DomainGetState(dom, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get VM state: %w", err)
	}
	return state, nil
}

// isActive reports whether a domain in state is running a guest.
func isActive(state int32) bool {
	switch state {
	case domainStateRunning, domainStateBlocked, domainStatePaused, domainStateShutdown, domainStatePMSuspended:
		return true
	default:
		return false
	}
}

// stateToString converts libvirt domain state to human-readable string.
func stateToString(state int32) string {
	switch state {
	case domainStateNoState:
		return "no state"
	case domainStateRunning:
		return "running"
	case domainStateBlocked:
		return "blocked"
	case domainStatePaused:
		return "paused"
	case domainStateShutdown:
		return "shutdown"
	case domainStateShutoff:
		return "shutoff"
	case domainStateCrashed:
		return "crashed"
	case domainStatePMSuspended:
		return "pmsuspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}
