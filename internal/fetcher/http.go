package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/y9c-cli/internal/resilience"
)

// Upstream hosts that publish the bulk files.
const (
	HostNIC     = "www.ffiec.gov"
	HostChicago = "www.chicagofed.org"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the number of transport-level attempts per request.
	// Callers that retry whole downloads themselves set this to 1.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RatePerSec is the default request rate for hosts without a dedicated limiter.
	RatePerSec   float64
	RateLimiters map[string]*rate.Limiter
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting.
// 429 and 5xx answers and transport errors are retried; other statuses fail
// immediately with a StatusError.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// DefaultRateLimiters returns per-host limiters for the report portals. Both
// portals throttle scripted clients aggressively, so the default is one request
// per second.
func DefaultRateLimiters(perSec float64) map[string]*rate.Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	return map[string]*rate.Limiter{
		HostNIC:     rate.NewLimiter(rate.Limit(perSec), 1),
		HostChicago: rate.NewLimiter(rate.Limit(perSec), 1),
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.RatePerSec == 0 {
		opts.RatePerSec = 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "y9c-cli/1.0"
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for host, lim := range opts.RateLimiters {
		limiters[host] = lim
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: limiters,
	}
}

// limiterFor returns the limiter for the URL's host, creating one at the
// default rate on first use so repeated requests to a host share it.
func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(f.opts.RatePerSec), max(1, int(f.opts.RatePerSec)))
	f.limiters[host] = lim
	return lim
}

func (f *HTTPFetcher) retryConfig(rawURL string) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    f.opts.MaxRetries,
		InitialBackoff: f.opts.InitialBackoff,
		MaxBackoff:     f.opts.MaxBackoff,
		JitterFraction: 0.5,
		ShouldRetry:    resilience.IsTransient,
		OnRetry:        resilience.RetryLogger("fetcher", zap.String("url", rawURL)),
	}
}

// get issues one GET per attempt and returns the first 200 response.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	lim := f.limiterFor(rawURL)
	return resilience.DoVal(ctx, f.retryConfig(rawURL), func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrap(err, "create request"))
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)
		req.Header.Set("Accept", "application/zip, application/octet-stream;q=0.9, */*;q=0.1")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "request cancelled")
			}
			return nil, resilience.NewTransientError(eris.Wrap(err, "http request"), 0)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		_ = resp.Body.Close()
		se := &StatusError{Code: resp.StatusCode, URL: rawURL}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(se, resp.StatusCode)
		}
		return nil, se
	})
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to the given path. Local file
// errors are marked permanent so callers do not retry them.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, resilience.Permanent(eris.Wrap(err, "create file"))
	}

	n, err := io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		return n, eris.Wrap(err, "write file")
	}
	if err := file.Close(); err != nil {
		return n, resilience.Permanent(eris.Wrap(err, "close file"))
	}

	zap.L().Debug("downloaded", zap.String("url", rawURL), zap.Int64("bytes", n))
	return n, nil
}
