package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const copyBufferSize = 32 * 1024

// download streams ref into dest. The content is written to a temp file in
// the same directory and renamed into place only once complete, so dest
// either does not exist or holds the whole image. It returns the number of
// bytes read from the source.
func (r *Resolver) download(ctx context.Context, ref Reference, dest string) (int64, error) {
	fetcher, ok := r.fetchers[ref.URL.Scheme]
	if !ok {
		return 0, fmt.Errorf("no fetcher for scheme %q", ref.URL.Scheme)
	}

	if r.cfg.Images.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Images.DownloadTimeout)
		defer cancel()
	}

	body, size, err := fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	var downloadErr error
	defer func() {
		if downloadErr != nil {
			tmp.Close()
			if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Error(err, "failed to remove partial download", "path", tmpPath)
			}
		}
	}()

	counted := &countingReader{r: body}
	src, err := decompress(counted, ref.Compression())
	if err != nil {
		downloadErr = err
		return 0, downloadErr
	}
	defer src.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(tmp, src, buf); err != nil {
		downloadErr = fmt.Errorf("failed to write image: %w", err)
		return counted.n, downloadErr
	}
	// trailing bytes after the compressed stream still count toward size
	if _, err := io.Copy(io.Discard, counted); err != nil {
		downloadErr = fmt.Errorf("failed to read image: %w", err)
		return counted.n, downloadErr
	}
	if size >= 0 && counted.n != size {
		downloadErr = fmt.Errorf("short read: got %d of %d bytes", counted.n, size)
		return counted.n, downloadErr
	}
	if err := tmp.Sync(); err != nil {
		downloadErr = fmt.Errorf("failed to sync image: %w", err)
		return counted.n, downloadErr
	}
	if err := tmp.Close(); err != nil {
		downloadErr = fmt.Errorf("failed to close image: %w", err)
		return counted.n, downloadErr
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		downloadErr = fmt.Errorf("failed to set image permissions: %w", err)
		return counted.n, downloadErr
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		downloadErr = fmt.Errorf("failed to move image into cache: %w", err)
		return counted.n, downloadErr
	}

	return counted.n, nil
}

// decompress wraps r according to the compression suffix.
func decompress(r io.Reader, suffix string) (io.ReadCloser, error) {
	switch suffix {
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	case ".zst":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
