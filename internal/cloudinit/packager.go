package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/target"
)

// ErrNoISOTool is matched by MissingToolError.
var ErrNoISOTool = errors.New("no ISO packaging tool available")

// MissingToolError reports that none of the ISO backends is installed.
type MissingToolError struct {
	Tools []string
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("missing dependency: none of %s is installed", strings.Join(e.Tools, ", "))
}

// Is matches ErrNoISOTool and runner.ErrToolMissing.
func (e *MissingToolError) Is(target error) bool {
	return target == ErrNoISOTool || target == runner.ErrToolMissing
}

// Packager writes cloud-init payloads into an ISO on the hypervisor host.
// For SSH targets the ISO is built on the remote host itself.
type Packager struct {
	cfg      *config.Config
	fs       hostfs.FS
	backends []Backend
	log      logr.Logger
	metrics  *metrics.Recorder
}

// PackagerOption customizes a Packager.
type PackagerOption func(*Packager)

// WithBackends replaces the backend list.
func WithBackends(b ...Backend) PackagerOption {
	return func(p *Packager) { p.backends = b }
}

// NewPackager creates a Packager running tools through r. Backends are tried
// in order: cloud-localds, genisoimage, mkisofs, then the builtin writer for
// local targets when enabled.
func NewPackager(cfg *config.Config, r runner.Runner, log logr.Logger, rec *metrics.Recorder, opts ...PackagerOption) *Packager {
	p := &Packager{
		cfg: cfg,
		fs:  hostfs.New(r),
		backends: []Backend{
			NewCloudLocaldsBackend(r),
			NewGenisoimageBackend("genisoimage", r),
			NewGenisoimageBackend("mkisofs", r),
		},
		log:     log.WithName("cloudinit"),
		metrics: rec,
	}
	if r.Transport() == target.Local {
		p.backends = append(p.backends, NewBuiltinBackend(cfg.CloudInit.BuiltinISO))
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ISOPath returns where the ISO for vmName is written on the hypervisor host.
func (p *Packager) ISOPath(vmName string) string {
	return path.Join(p.cfg.Images.Dir, naming.CloudInitISO(vmName))
}

func (p *Packager) selectBackend(ctx context.Context) (Backend, error) {
	var names []string
	for _, b := range p.backends {
		names = append(names, b.Name())
		if b.Available(ctx) {
			return b, nil
		}
		p.log.V(1).Info("ISO backend not available", "backend", b.Name())
	}
	return nil, &MissingToolError{Tools: names}
}

// Package writes payload to <images.dir>/<vmName>-cloudinit.iso and returns
// the path. Staged input files are removed on every return path. On failure
// no ISO is left at the returned path.
func (p *Packager) Package(ctx context.Context, vmName string, payload Payload) (string, error) {
	backend, err := p.selectBackend(ctx)
	if err != nil {
		p.metrics.RecordISOBackend("none", metrics.OutcomeError)
		return "", err
	}
	log := p.log.WithValues("vm", vmName, "backend", backend.Name())

	staging := path.Join(p.cfg.CloudInit.StagingDir, fmt.Sprintf("%s-%s", vmName, uuid.NewString()[:8]))
	if err := p.fs.MkdirAll(ctx, staging); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		// cleanup must run even when ctx is already done
		if err := p.fs.RemoveAll(context.WithoutCancel(ctx), staging); err != nil {
			log.Error(err, "failed to remove staging directory", "path", staging)
		}
	}()

	in := Inputs{
		Payload:  payload,
		UserData: path.Join(staging, "user-data"),
		MetaData: path.Join(staging, "meta-data"),
		ISOPath:  p.ISOPath(vmName),
	}
	if err := p.fs.WriteFile(ctx, in.UserData, []byte(payload.UserData), 0o644); err != nil {
		return "", err
	}
	if err := p.fs.WriteFile(ctx, in.MetaData, []byte(payload.MetaData), 0o644); err != nil {
		return "", err
	}
	if payload.NetworkConfig != "" {
		in.NetworkConfig = path.Join(staging, "network-config")
		if err := p.fs.WriteFile(ctx, in.NetworkConfig, []byte(payload.NetworkConfig), 0o644); err != nil {
			return "", err
		}
	}

	if err := p.fs.MkdirAll(ctx, p.cfg.Images.Dir); err != nil {
		return "", fmt.Errorf("failed to create images directory: %w", err)
	}
	// a warning-only build is accepted only if it leaves an ISO, so clear any old one
	if err := p.fs.Remove(ctx, in.ISOPath); err != nil {
		return "", fmt.Errorf("failed to remove stale cloud-init ISO: %w", err)
	}

	buildCtx := ctx
	if p.cfg.CloudInit.PackageTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, p.cfg.CloudInit.PackageTimeout)
		defer cancel()
	}

	start := time.Now()
	buildErr := backend.Build(buildCtx, in)
	if buildErr != nil {
		if !isBenignWarning(buildErr) || !p.isoPresent(ctx, in.ISOPath) {
			p.metrics.RecordISOBackend(backend.Name(), metrics.OutcomeError)
			p.RemoveISO(context.WithoutCancel(ctx), vmName)
			return "", fmt.Errorf("failed to package cloud-init ISO with %s: %w", backend.Name(), buildErr)
		}
		log.V(1).Info("ignoring benign ISO tool warning", "error", buildErr.Error())
	}

	p.metrics.RecordISOBackend(backend.Name(), metrics.OutcomeSuccess)
	log.Info("cloud-init ISO created", "path", in.ISOPath, "duration", time.Since(start))

	if p.fs.Transport() == target.Local {
		if err := storage.ChownToQEMU(in.ISOPath); err != nil {
			log.V(1).Info("could not hand ISO to the qemu user", "error", err.Error())
		}
	}

	return in.ISOPath, nil
}

// isoPresent confirms an ISO exists after a tool reported a warning. Local
// ISOs must also parse as ISO9660.
func (p *Packager) isoPresent(ctx context.Context, isoPath string) bool {
	ok, err := p.fs.Exists(ctx, isoPath)
	if err != nil || !ok {
		return false
	}
	if p.fs.Transport() == target.Local {
		if err := VerifyISO(isoPath); err != nil {
			p.log.V(1).Info("ISO failed verification", "path", isoPath, "error", err.Error())
			return false
		}
	}
	return true
}

// RemoveISO deletes the ISO for vmName. Failures are logged, not returned.
func (p *Packager) RemoveISO(ctx context.Context, vmName string) {
	isoPath := p.ISOPath(vmName)
	if err := p.fs.Remove(ctx, isoPath); err != nil {
		p.log.Error(err, "failed to remove cloud-init ISO", "path", isoPath)
	}
}
