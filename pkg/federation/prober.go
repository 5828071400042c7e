package federation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultProbeTimeout bounds a single health probe so one unreachable
// peer cannot hang a maintenance run.
const DefaultProbeTimeout = 10 * time.Second

// Prober checks whether a peer instance is reachable. A timeout folds
// into "unreachable" rather than surfacing as a distinct error class.
type Prober interface {
	Probe(ctx context.Context, domain string) bool
}

// HTTPProber probes the peer's well-known health endpoint. Any 2xx
// response within the timeout counts as reachable.
type HTTPProber struct {
	client   *http.Client
	scheme   string
	attempts uint
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithProbeClient substitutes the HTTP client, for tests.
func WithProbeClient(c *http.Client) HTTPProberOption {
	return func(p *HTTPProber) { p.client = c }
}

// WithProbeScheme overrides the https default, for tests against
// plain-HTTP servers.
func WithProbeScheme(scheme string) HTTPProberOption {
	return func(p *HTTPProber) { p.scheme = scheme }
}

// WithProbeAttempts sets how many times a probe is tried before the
// peer is declared unreachable.
func WithProbeAttempts(n uint) HTTPProberOption {
	return func(p *HTTPProber) { p.attempts = n }
}

// NewHTTPProber creates a prober with the default 10s timeout.
func NewHTTPProber(opts ...HTTPProberOption) *HTTPProber {
	p := &HTTPProber{
		client:   &http.Client{Timeout: DefaultProbeTimeout},
		scheme:   "https",
		attempts: 2,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks https://{domain}/api/v1/health. Network errors, non-2xx
// statuses and timeouts all report unreachable.
func (p *HTTPProber) Probe(ctx context.Context, domain string) bool {
	url := fmt.Sprintf("%s://%s/api/v1/health", p.scheme, domain)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return err == nil
}
