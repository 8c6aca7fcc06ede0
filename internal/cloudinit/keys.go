package cloudinit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/target"
)

// maxKeysBody bounds the size of a fetched keys document.
const maxKeysBody = 1 << 20

// KeyCollector gathers SSH public keys to install in a guest: keys published
// for a user on an identity service (GitHub's <user>.keys endpoint) and a
// fallback public key read from the hypervisor host. Either source may be
// missing; that only shrinks the result.
type KeyCollector struct {
	keysURL      string
	fallbackKeys []string
	fs           hostfs.FS
	client       *http.Client
	log          logr.Logger
}

// NewKeyCollector creates a KeyCollector from the cloud-init defaults.
func NewKeyCollector(cfg config.CloudInitDefaults, fs hostfs.FS, log logr.Logger) *KeyCollector {
	return &KeyCollector{
		keysURL:      cfg.KeysURL,
		fallbackKeys: cfg.FallbackKeys,
		fs:           fs,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		},
		log: log.WithName("keys"),
	}
}

// Collect returns the deduplicated union of the identity service keys for
// githubUser (skipped when empty) and the first readable fallback key.
func (k *KeyCollector) Collect(ctx context.Context, githubUser string) []string {
	var remote []string
	if githubUser != "" {
		keys, err := k.fetch(ctx, githubUser)
		if err != nil {
			k.log.Info("could not import SSH keys", "user", githubUser, "error", err.Error())
		} else {
			k.log.V(1).Info("imported SSH keys", "user", githubUser, "count", len(keys))
			remote = keys
		}
	}

	return MergeKeys(remote, k.fallback(ctx))
}

func (k *KeyCollector) fetch(ctx context.Context, user string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/%s.keys", strings.TrimRight(k.keysURL, "/"), url.PathEscape(user))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", endpoint, resp.Status)
	}

	return parseKeys(io.LimitReader(resp.Body, maxKeysBody))
}

// fallback returns the first readable fallback public key on the hypervisor
// host, or nil.
func (k *KeyCollector) fallback(ctx context.Context) []string {
	for _, p := range k.fallbackKeys {
		var path string
		if k.fs.Transport() == target.SSH {
			// remote commands start in the login user's home directory
			path = strings.TrimPrefix(p, "~/")
		} else {
			path = config.ExpandHome(p)
		}

		data, err := k.fs.ReadFile(ctx, path)
		if err != nil {
			k.log.V(1).Info("fallback key not readable", "path", path, "error", err.Error())
			continue
		}
		keys, err := parseKeys(strings.NewReader(string(data)))
		if err != nil || len(keys) == 0 {
			continue
		}
		k.log.V(1).Info("using fallback key", "path", path)
		return keys[:1]
	}
	return nil
}

func parseKeys(r io.Reader) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxKeysBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	return keys, nil
}
