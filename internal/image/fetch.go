package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jbweber/kiln/internal/config"
)

// Fetcher opens a download stream for a URL. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (body io.ReadCloser, size int64, err error)
}

// HTTPFetcher downloads http and https URLs.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher with a traced transport. The overall
// deadline comes from the request context.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "kiln")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", u.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to fetch %s: unexpected status %s", u.Redacted(), resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

// S3Fetcher downloads s3://bucket/key URLs. The client is built on first use.
type S3Fetcher struct {
	cfg config.S3Config

	once   sync.Once
	client *s3.Client
	err    error
}

// NewS3Fetcher creates an S3Fetcher for the configured endpoint.
func NewS3Fetcher(cfg config.S3Config) *S3Fetcher {
	return &S3Fetcher{cfg: cfg}
}

func (f *S3Fetcher) api(ctx context.Context) (*s3.Client, error) {
	f.once.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(f.cfg.Region),
			awsconfig.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		}
		if f.cfg.AccessKey != "" && f.cfg.SecretKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.cfg.AccessKey, f.cfg.SecretKey, "")))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.err = fmt.Errorf("failed to load S3 configuration: %w", err)
			return
		}

		endpoint := strings.TrimSpace(f.cfg.Endpoint)
		if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}

		f.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = f.cfg.ForcePathStyle
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	})
	return f.client, f.err
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("s3 URL must be s3://bucket/key, got %s", u.Redacted())
	}

	client, err := f.api(ctx)
	if err != nil {
		return nil, 0, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
