package discovery

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/kiln/internal/config"
	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
	"github.com/jbweber/kiln/internal/tracing"
)

const domainStateRunning = 1

// libvirtClient is the subset of go-libvirt used for discovery.
type libvirtClient interface {
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) ([]libvirt.DomainInterface, error)
	NetworkLookupByName(Name string) (libvirt.Network, error)
	NetworkGetDhcpLeases(Net libvirt.Network, Mac libvirt.OptString, NeedResults int32, Flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error)
}

type dialFunc func(ctx context.Context) (libvirtClient, func(), error)

// Engine discovers VM addresses on one hypervisor target.
type Engine struct {
	cfg     *config.Config
	runner  runner.Runner
	log     logr.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	dial    dialFunc
}

// New creates an Engine for target t. r runs the neighbor table tools on
// the hypervisor host.
func New(cfg *config.Config, t target.Target, r runner.Runner, log logr.Logger, rec *metrics.Recorder) *Engine {
	e := &Engine{
		cfg:     cfg,
		runner:  r,
		log:     log.WithName("discovery"),
		metrics: rec,
		tracer:  tracing.Tracer("github.com/jbweber/kiln/internal/discovery"),
	}
	e.dial = func(ctx context.Context) (libvirtClient, func(), error) {
		client, err := kvirt.Connect(ctx, t, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return client.Libvirt(), func() {
			if err := client.Close(); err != nil {
				e.log.V(1).Info("failed to close libvirt connection", "error", err.Error())
			}
		}, nil
	}
	return e
}

// Discover returns the current address of vmName. networkHint, when set,
// limits the DHCP lookup to that network.
func (e *Engine) Discover(ctx context.Context, vmName, networkHint string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "discovery.discover", trace.WithAttributes(
		attribute.String("vm.name", vmName),
		attribute.String("network.hint", networkHint),
	))
	defer span.End()

	res, err := e.discover(ctx, vmName, networkHint)
	if err != nil {
		e.metrics.RecordDiscovery("none")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	e.metrics.RecordDiscovery(string(res.Method))
	span.SetAttributes(attribute.String("discovery.method", string(res.Method)))
	return res, nil
}

func (e *Engine) discover(ctx context.Context, vmName, networkHint string) (Result, error) {
	lv, closeFn, err := e.dial(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer closeFn()
	return e.discoverWithDeps(ctx, lv, vmName, networkHint)
}

func (e *Engine) discoverWithDeps(ctx context.Context, lv libvirtClient, vmName, networkHint string) (Result, error) {
	log := e.log.WithValues("vm", vmName)

	dom, err := lv.DomainLookupByName(vmName)
	if err != nil {
		if kvirt.IsNoDomain(err) {
			return Result{}, fmt.Errorf("VM '%s' %w", vmName, ErrUnknownVM)
		}
		return Result{}, fmt.Errorf("failed to look up VM '%s': %w", vmName, err)
	}

	state, _, err := lv.DomainGetState(dom, 0)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get VM state: %w", err)
	}

	domainXML, err := lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get VM XML: %w", err)
	}
	ifaces, err := kvirt.ParseInterfaces(domainXML)
	if err != nil {
		return Result{}, err
	}
	if len(ifaces) == 0 {
		return Result{}, fmt.Errorf("VM '%s': %w", vmName, ErrNoInterfaces)
	}

	macs := make([]string, len(ifaces))
	for i, iface := range ifaces {
		macs[i] = iface.MAC
	}

	if state == domainStateRunning {
		if res, ok := e.fromGuestAgent(log, lv, dom); ok {
			return res, nil
		}
	} else {
		log.V(1).Info("VM not running, skipping guest agent", "state", state)
	}

	if res, ok := e.fromLeases(log, lv, candidateNetworks(ifaces, networkHint, e.cfg.Network.Default), macs); ok {
		return res, nil
	}

	if res, ok := e.fromNeighbors(ctx, log, macs); ok {
		return res, nil
	}

	return Result{}, &NotFoundError{VM: vmName, MACs: macs}
}

// candidateNetworks returns the networks whose leases are searched: the hint
// alone when given, else the VM's networks followed by the default network.
func candidateNetworks(ifaces []kvirt.Interface, hint, fallback string) []string {
	if hint != "" {
		return []string{hint}
	}
	seen := make(map[string]bool)
	var nets []string
	add := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		nets = append(nets, n)
	}
	for _, iface := range ifaces {
		add(iface.Network)
	}
	add(fallback)
	return nets
}
