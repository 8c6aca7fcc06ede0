// Package image turns image references into paths usable on the hypervisor
// host.
//
// A reference is either a URL (http, https, ftp, ftps, s3) or a filesystem
// path. URLs are downloaded once into a content-addressed cache named
// cached_<md5(url)>_<basename>; repeated resolution of the same URL returns
// the cached file without touching the network. Paths are checked on the
// filesystem of the hypervisor host, which is this machine for local targets
// and the SSH host otherwise.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// Location says which filesystem a resolved path lives on.
type Location string

const (
	LocationLocal  Location = "local"
	LocationRemote Location = "remote"
)

// ResolvedImage is a path guaranteed to exist on the hypervisor host at the
// time of resolution.
type ResolvedImage struct {
	Path     string   `json:"path" yaml:"path"`
	Location Location `json:"location" yaml:"location"`
	// Source is the reference as given.
	Source string `json:"source" yaml:"source"`
	// Cached is true when a URL was served from the cache.
	Cached bool `json:"cached" yaml:"cached"`
}

// Resolver resolves image references for one hypervisor target.
type Resolver struct {
	cfg       *config.Config
	fs        hostfs.FS
	fetchers  map[string]Fetcher
	uploaders []Uploader
	log       logr.Logger
	metrics   *metrics.Recorder
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithFetcher registers f for a URL scheme, replacing the default.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(r *Resolver) { r.fetchers[scheme] = f }
}

// WithUploaders replaces the uploaders used for SSH targets.
func WithUploaders(u ...Uploader) Option {
	return func(r *Resolver) { r.uploaders = u }
}

// NewResolver creates a Resolver. remote runs commands on the hypervisor
// host and local on this machine; they are the same runner for local
// targets.
func NewResolver(cfg *config.Config, t target.Target, remote, local runner.Runner, log logr.Logger, rec *metrics.Recorder, opts ...Option) *Resolver {
	fs := hostfs.New(remote)
	httpFetcher := NewHTTPFetcher()

	r := &Resolver{
		cfg: cfg,
		fs:  fs,
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
			"s3":    NewS3Fetcher(cfg.S3),
		},
		log:     log.WithName("image"),
		metrics: rec,
	}
	if t.IsRemote() {
		r.uploaders = []Uploader{
			NewSCPUploader(local, fs, t, cfg.SSH, r.log),
			NewStreamUploader(remote, r.log),
		}
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) location() Location {
	if r.fs.Transport() == target.SSH {
		return LocationRemote
	}
	return LocationLocal
}

// Resolve turns raw into a path on the hypervisor host.
func (r *Resolver) Resolve(ctx context.Context, raw string) (ResolvedImage, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return ResolvedImage{}, err
	}
	if ref.IsURL() {
		return r.resolveURL(ctx, ref)
	}
	return r.resolvePath(ctx, ref)
}

func (r *Resolver) resolvePath(ctx context.Context, ref Reference) (ResolvedImage, error) {
	path := ref.Raw
	if r.location() == LocationLocal {
		path = config.ExpandHome(path)
	}

	ok, err := r.exists(ctx, path)
	if err != nil {
		return ResolvedImage{}, &ResolutionError{Reason: ReasonCheckFailed, Ref: ref.Raw, Err: err}
	}
	if !ok {
		return ResolvedImage{}, &ResolutionError{
			Reason: ReasonNotFound,
			Ref:    ref.Raw,
			Err:    fmt.Errorf("%s does not exist on %s host", path, r.location()),
		}
	}

	return ResolvedImage{Path: path, Location: r.location(), Source: ref.Raw}, nil
}

func (r *Resolver) resolveURL(ctx context.Context, ref Reference) (ResolvedImage, error) {
	name := ref.CacheFileName()
	cachePath := filepath.Join(r.cfg.Images.Dir, name)
	res := ResolvedImage{Path: cachePath, Location: r.location(), Source: ref.Raw}
	log := r.log.WithValues("url", ref.URL.Redacted(), "path", cachePath)

	ok, err := r.exists(ctx, cachePath)
	if err != nil {
		return ResolvedImage{}, &ResolutionError{Reason: ReasonCheckFailed, Ref: ref.Raw, Err: err}
	}
	if ok {
		log.V(1).Info("image cache hit")
		r.metrics.RecordImageCache(metrics.CacheHit)
		res.Cached = true
		return res, nil
	}
	r.metrics.RecordImageCache(metrics.CacheMiss)

	if r.location() == LocationLocal {
		if err := r.fetch(ctx, ref, cachePath); err != nil {
			return ResolvedImage{}, err
		}
		log.Info("image downloaded")
		return res, nil
	}

	// remote target: stage locally, then upload
	localPath := filepath.Join(config.ExpandHome(r.cfg.Images.LocalCacheDir), name)
	if _, err := os.Stat(localPath); errors.Is(err, os.ErrNotExist) {
		if err := r.fetch(ctx, ref, localPath); err != nil {
			return ResolvedImage{}, err
		}
	} else if err != nil {
		return ResolvedImage{}, &ResolutionError{Reason: ReasonDownloadFailed, Ref: ref.Raw, Err: err}
	} else {
		log.V(1).Info("using locally staged image", "staged", localPath)
	}

	if err := r.upload(ctx, localPath, cachePath); err != nil {
		return ResolvedImage{}, &ResolutionError{Reason: ReasonUploadFailed, Ref: ref.Raw, Err: err}
	}
	log.Info("image uploaded to hypervisor host")
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, ref Reference, dest string) error {
	start := time.Now()
	n, err := r.download(ctx, ref, dest)
	r.metrics.AddDownloadBytes(n)
	if err != nil {
		return &ResolutionError{Reason: ReasonDownloadFailed, Ref: ref.Raw, Err: err}
	}
	r.log.V(1).Info("download complete", "bytes", n, "duration", time.Since(start))
	return nil
}

func (r *Resolver) upload(ctx context.Context, localPath, remotePath string) error {
	if r.cfg.Images.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Images.DownloadTimeout)
		defer cancel()
	}

	if err := r.fs.MkdirAll(ctx, filepath.Dir(remotePath)); err != nil {
		return err
	}

	var names []string
	for _, u := range r.uploaders {
		names = append(names, u.Name())
		if !u.Available(ctx) {
			r.log.V(1).Info("uploader not available", "uploader", u.Name())
			continue
		}
		r.log.V(1).Info("uploading image", "uploader", u.Name(), "path", remotePath)
		return u.Upload(ctx, localPath, remotePath)
	}
	return fmt.Errorf("%w: none of %v available", runner.ErrToolMissing, names)
}

func (r *Resolver) exists(ctx context.Context, path string) (bool, error) {
	if r.cfg.Images.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Images.CheckTimeout)
		defer cancel()
	}
	return r.fs.Exists(ctx, path)
}

// LocateKnownImage returns the first existing conventional image path for
// osName on the hypervisor host. Each search dir is probed for
// <osName>.qcow2, then each for <osName>.img, then each for the configured
// known image names. When nothing exists it returns
// <images.dir>/<osName>.qcow2 without checking it.
func (r *Resolver) LocateKnownImage(ctx context.Context, osName string) string {
	var candidates []string
	for _, ext := range []string{".qcow2", ".img"} {
		for _, dir := range r.cfg.Images.SearchDirs {
			candidates = append(candidates, filepath.Join(dir, osName+ext))
		}
	}
	for _, known := range r.cfg.Images.KnownImages {
		for _, dir := range r.cfg.Images.SearchDirs {
			candidates = append(candidates, filepath.Join(dir, known))
		}
	}

	for _, c := range candidates {
		ok, err := r.exists(ctx, c)
		if err != nil {
			r.log.V(1).Info("image probe failed", "path", c, "error", err.Error())
			continue
		}
		if ok {
			r.log.V(1).Info("located known image", "os", osName, "path", c)
			return c
		}
	}

	return filepath.Join(r.cfg.Images.Dir, osName+".qcow2")
}
