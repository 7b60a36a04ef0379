package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/classify-cli/internal/resilience"
)

// HTTPOptions configures remote source downloads. Zero fields take defaults.
type HTTPOptions struct {
	UserAgent         string
	Timeout           time.Duration // whole request, body included; default 5m
	MaxRetries        int           // total attempts; default 3
	RetryBackoff      time.Duration // first retry delay, doubling; default 1s
	RequestsPerSecond float64       // default 5
	MaxBytes          int64         // body cap; default 512 MiB
}

// HTTPFetcher downloads source files. Requests are rate limited, and
// network failures and retryable statuses (429, 5xx) are retried with
// backoff.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "classify-cli/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 512 << 20
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		retry: resilience.RetryConfig{
			MaxAttempts:    opts.MaxRetries,
			InitialBackoff: opts.RetryBackoff,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger(zap.L().With(zap.String("component", "fetcher")), "download"),
		},
	}
}

// Download fetches rawURL and returns the whole body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) ([]byte, error) {
	data, attempts, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.get(ctx, rawURL)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "download %s after %d attempt(s)", rawURL, attempts)
	}
	return data, nil
}

// get makes one request. Failures worth retrying come back as
// resilience.TransientError.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case resilience.IsTransientHTTPStatus(code):
		return nil, resilience.NewTransientError(eris.Errorf("server returned %d", code), code)
	default:
		return nil, eris.Errorf("unexpected status %d", code)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), 0)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, eris.Errorf("body exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}

// IsRemote reports whether location is an http(s) URL rather than a path.
func IsRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// ReadLocation returns the raw bytes of a local path or an http(s) URL.
// hf may be nil, in which case a default HTTPFetcher is used for URLs.
func ReadLocation(ctx context.Context, location string, hf *HTTPFetcher) ([]byte, error) {
	if IsRemote(location) {
		if hf == nil {
			hf = NewHTTPFetcher(HTTPOptions{})
		}
		return hf.Download(ctx, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", location)
	}
	return data, nil
}
