package image

import (
	"net/url"
	"path"
	"strings"

	"github.com/jbweber/kiln/internal/naming"
)

// urlSchemes are the schemes treated as downloadable references.
var urlSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
	"ftps":  true,
	"s3":    true,
}

// compressionSuffixes are stripped from cache names; the content is stored
// decompressed.
var compressionSuffixes = []string{".gz", ".zst"}

// Reference is a parsed image reference: either a URL or a filesystem path.
type Reference struct {
	Raw string
	// URL is nil for path references.
	URL *url.URL
}

// ParseReference classifies raw as a URL or a path.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, &ResolutionError{Reason: ReasonInvalid, Ref: raw}
	}

	if i := strings.Index(raw, "://"); i > 0 {
		scheme := strings.ToLower(raw[:i])
		if urlSchemes[scheme] {
			u, err := url.Parse(raw)
			if err != nil {
				return Reference{}, &ResolutionError{Reason: ReasonInvalid, Ref: raw, Err: err}
			}
			if u.Host == "" {
				return Reference{Raw: raw}, &ResolutionError{Reason: ReasonInvalid, Ref: raw}
			}
			return Reference{Raw: raw, URL: u}, nil
		}
	}

	return Reference{Raw: raw}, nil
}

// IsURL reports whether the reference must be downloaded.
func (r Reference) IsURL() bool { return r.URL != nil }

// CacheKey returns the md5 of the URL, or "" for paths.
func (r Reference) CacheKey() string {
	if !r.IsURL() {
		return ""
	}
	return naming.CacheKey(r.Raw)
}

// CacheFileName returns the cache file name for a URL reference with any
// compression suffix removed.
func (r Reference) CacheFileName() string {
	name := naming.CacheFileName(r.Raw)
	if c := r.Compression(); c != "" && strings.HasSuffix(strings.ToLower(name), c) {
		name = name[:len(name)-len(c)]
	}
	return name
}

// Compression returns the compression suffix of the URL path, or "".
func (r Reference) Compression() string {
	if !r.IsURL() {
		return ""
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	for _, s := range compressionSuffixes {
		if ext == s {
			return ext
		}
	}
	return ""
}
